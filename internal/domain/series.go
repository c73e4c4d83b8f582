package domain

import "strings"

// ShareType 描述平台链接指向单个文件还是文件夹（列表）。
type ShareType string

const (
	// ShareAuto 表示未显式配置，由下载器根据 URL 形态推断。
	ShareAuto   ShareType = ""
	ShareFile   ShareType = "file"
	ShareFolder ShareType = "folder"
)

// Valid 判断 share type 是否为已知取值（空值合法，表示自动推断）。
func (s ShareType) Valid() bool {
	switch s {
	case ShareAuto, ShareFile, ShareFolder:
		return true
	default:
		return false
	}
}

// SeriesEntry 是持久化文档中的一条被追踪剧集。
//
// 不变量：
// - LastEpisode 单调不减
// - LastEpisode 只会推进到下载器确实报告成功的集数
type SeriesEntry struct {
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	// Regex 从公告文本中提取集数；第一个捕获组必须是集数。
	Regex string `json:"regex"`
	// Links 是 platform -> 公告中的链接标签（例如 "1080p"）。
	Links map[string]string `json:"links"`
	// Platforms 是平台优先级（从前到后尝试）。
	Platforms   []string `json:"platforms"`
	LastEpisode int      `json:"last_episode"`

	ShareType    ShareType `json:"share_type,omitempty"`
	FolderRegex  string    `json:"folder_regex,omitempty"`
	MultiEpisode bool      `json:"multi_episode,omitempty"`

	// PlatformOptions 按平台覆盖 ShareType/FolderRegex/MultiEpisode。
	PlatformOptions map[string]PlatformOverride `json:"platform_options,omitempty"`

	// Path 是下载目标目录。
	Path string `json:"path"`
}

// PlatformOverride 的字段为 nil 表示沿用 entry 级默认值。
type PlatformOverride struct {
	ShareType    *ShareType `json:"share_type,omitempty"`
	FolderRegex  *string    `json:"folder_regex,omitempty"`
	MultiEpisode *bool      `json:"multi_episode,omitempty"`
}

// PlatformOptions 是某个平台最终生效的下载选项。
type PlatformOptions struct {
	ShareType    ShareType
	FolderRegex  string
	MultiEpisode bool
}

// Options 解析 platform 的生效选项：override 优先于 entry 默认值。
func (e SeriesEntry) Options(platform string) PlatformOptions {
	opts := PlatformOptions{
		ShareType:    e.ShareType,
		FolderRegex:  e.FolderRegex,
		MultiEpisode: e.MultiEpisode,
	}
	ov, ok := lookupPlatform(e.PlatformOptions, platform)
	if !ok {
		return opts
	}
	if ov.ShareType != nil {
		opts.ShareType = *ov.ShareType
	}
	if ov.FolderRegex != nil {
		opts.FolderRegex = *ov.FolderRegex
	}
	if ov.MultiEpisode != nil {
		opts.MultiEpisode = *ov.MultiEpisode
	}
	return opts
}

// Label 返回 platform 配置的链接标签（不存在或为空则 ok=false）。
func (e SeriesEntry) Label(platform string) (string, bool) {
	l, ok := lookupPlatform(e.Links, platform)
	if !ok || strings.TrimSpace(l) == "" {
		return "", false
	}
	return l, true
}

// SamePlatform 判断两个平台名是否指向同一个平台（忽略大小写与首尾空白）。
func SamePlatform(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// lookupPlatform 按平台名取值：先精确匹配，再忽略大小写匹配。
func lookupPlatform[V any](m map[string]V, platform string) (V, bool) {
	if v, ok := m[platform]; ok {
		return v, true
	}
	for k, v := range m {
		if SamePlatform(k, platform) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Clone 深拷贝 entry（map/slice/指针字段都不与原值共享）。
func (e SeriesEntry) Clone() SeriesEntry {
	out := e
	if e.Links != nil {
		out.Links = make(map[string]string, len(e.Links))
		for k, v := range e.Links {
			out.Links[k] = v
		}
	}
	out.Platforms = append([]string(nil), e.Platforms...)
	if e.PlatformOptions != nil {
		out.PlatformOptions = make(map[string]PlatformOverride, len(e.PlatformOptions))
		for k, v := range e.PlatformOptions {
			out.PlatformOptions[k] = v.clone()
		}
	}
	return out
}

func (o PlatformOverride) clone() PlatformOverride {
	var out PlatformOverride
	if o.ShareType != nil {
		v := *o.ShareType
		out.ShareType = &v
	}
	if o.FolderRegex != nil {
		v := *o.FolderRegex
		out.FolderRegex = &v
	}
	if o.MultiEpisode != nil {
		v := *o.MultiEpisode
		out.MultiEpisode = &v
	}
	return out
}
