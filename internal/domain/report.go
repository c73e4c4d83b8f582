package domain

import (
	"encoding/json"
	"sort"
	"time"
)

const (
	StatusDownloaded = "downloaded"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

const (
	SkipNoNewEpisode = "no_new_episode"
	SkipNoLinks      = "no_links"
	SkipBadRegex     = "regex_invalid"
)

// HandleReport 是处理一条公告的对外稳定输出（handle 命令 / 日志）。
type HandleReport struct {
	ChannelID string `json:"channel_id"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	SweepBefore SweepReport `json:"sweep_before"`
	SweepAfter  SweepReport `json:"sweep_after"`

	Summary HandleSummary  `json:"summary"`
	Series  []SeriesResult `json:"series"`
}

type HandleSummary struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
	Queued     int `json:"queued"`
}

// SeriesResult 是单个 series 对这条公告的处理结果。
type SeriesResult struct {
	Series     string `json:"series"`
	Episode    int    `json:"episode"`
	Recorded   int    `json:"recorded"`
	Status     string `json:"status"`
	SkipReason string `json:"skip_reason,omitempty"`

	Attempts []PlatformAttempt `json:"attempts"`
}

// PlatformAttempt 记录一次平台尝试（用于解释 failover 原因）。
type PlatformAttempt struct {
	Platform string `json:"platform"`
	Link     string `json:"link"`
	OK       bool   `json:"ok"`
	Reason   Reason `json:"reason,omitempty"`
	Filename string `json:"filename,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Queued   bool   `json:"queued,omitempty"`
}

// SweepReport 汇总一次重试队列扫描。
type SweepReport struct {
	Checked     int `json:"checked"`
	Due         int `json:"due"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
	Stale       int `json:"stale"`

	// Terminal 列出因达到最大尝试次数而被移除的条目。
	Terminal []RetryItem `json:"terminal,omitempty"`
	// Downloads 是本次扫描中成功的下载（按扫描顺序）。
	Downloads []DownloadRecord `json:"downloads,omitempty"`
	// Advanced 是已落盘的 last_episode 推进：series -> 新集数。
	Advanced map[string]int `json:"advanced,omitempty"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) series 稳定排序：按名称字典序
// 3) summary 由 series 计算得出
func (r *HandleReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Series, func(i, j int) bool { return r.Series[i].Series < r.Series[j].Series })

	var s HandleSummary
	for _, it := range r.Series {
		switch it.Status {
		case StatusDownloaded:
			s.Downloaded++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		for _, a := range it.Attempts {
			if a.Queued {
				s.Queued++
			}
		}
	}
	r.Summary = s
}

// MarshalJSON 保证 series/attempts 为空时输出 [] 而不是 null。
func (r HandleReport) MarshalJSON() ([]byte, error) {
	type Alias HandleReport
	a := Alias(r)
	a.Series = make([]SeriesResult, len(r.Series))
	copy(a.Series, r.Series)
	for i := range a.Series {
		if a.Series[i].Attempts == nil {
			a.Series[i].Attempts = []PlatformAttempt{}
		}
	}
	return json.Marshal(a)
}
