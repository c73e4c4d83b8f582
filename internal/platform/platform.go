package platform

import (
	"context"

	"github.com/John-Robertt/epwatch/internal/domain"
)

// Request 是一次下载调用的全部输入。
type Request struct {
	Link string
	// Dest 是目标目录。
	Dest    string
	Series  string
	Episode int

	// LastEpisode 是 series 当前的最高集数（文件夹多集模式用来挑选新集）。
	LastEpisode int
	// EpisodeRegex 是公告的集数正则，文件夹模式下会重新套用到文件名上。
	EpisodeRegex string

	Options domain.PlatformOptions
}

// Downloader 把“平台差异”限制在各自的包内部；编排层只依赖统一接口与 domain.Outcome。
//
// 约束：
// - Download 不返回 error、不 panic：所有失败路径都归类为 domain.Reason
// - 每次调用最多写一个文件到 Dest（文件夹多集模式除外）
// - 写出的文件权限为 fsx.DownloadPerm
// - URLPattern 描述该平台链接的 URL 形态（不含捕获组），用于从公告中提取链接
type Downloader interface {
	Name() string
	URLPattern() string
	Download(ctx context.Context, req Request) domain.Outcome
}
