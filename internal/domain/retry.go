package domain

import "time"

// RetryItem 是一次被推迟的下载尝试。
//
// 不变量：
// - Attempts 创建时为 1，只增不减
// - NextRetry 总是晚于创建/更新时刻
type RetryItem struct {
	ID        string    `json:"id,omitempty"`
	EntryName string    `json:"entry_name"`
	Episode   int       `json:"episode"`
	Platform  string    `json:"platform"`
	Link      string    `json:"link"`
	Path      string    `json:"path"`
	ChannelID string    `json:"channel_id"`
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"next_retry"`
	Reason    Reason    `json:"reason"`
}

// SameTarget 判断两个条目是否指向同一次下载（series + episode + platform）。
func (r RetryItem) SameTarget(o RetryItem) bool {
	return r.EntryName == o.EntryName && r.Episode == o.Episode && r.Platform == o.Platform
}

// Announcement 是网关送达的一条公告。
type Announcement struct {
	ID        string `json:"id,omitempty"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

// DownloadRecord 是一次成功下载的历史记录（写入 history）。
type DownloadRecord struct {
	Series   string    `json:"series"`
	Episode  int       `json:"episode"`
	Platform string    `json:"platform"`
	Link     string    `json:"link"`
	Files    []string  `json:"files"`
	At       time.Time `json:"at"`
}
