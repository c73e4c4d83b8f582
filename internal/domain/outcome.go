package domain

// Reason 是下载失败原因（封闭集合）。
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonQuotaExceeded     Reason = "quota_exceeded"
	ReasonInvalidLink       Reason = "invalid_link"
	ReasonDownloadError     Reason = "download_error"
	ReasonTimeout           Reason = "timeout"
	ReasonConfirmFailed     Reason = "confirmation_failed"
	ReasonHTMLInsteadOfFile Reason = "html_instead_of_file"
	ReasonFolderParseError  Reason = "folder_parse_error"
	ReasonNoFiles           Reason = "no_files"
	ReasonNoEpisodesFound   Reason = "no_episodes_found"
	ReasonEpisodeNotFound   Reason = "episode_not_found"
	ReasonNoNewEpisodes     Reason = "no_new_episodes"
	ReasonAllDownloadsFail  Reason = "all_downloads_failed"
)

// UnknownFilename 是无法得知落盘文件名时记录的占位值。
const UnknownFilename = "<unknown>"

// Outcome 是一次下载尝试的结果。
//
// 约束：
// - OK=false 时 Reason 必须非空
// - Episode 只在 folder 多集模式成功时非 0，表示停止点之前成功下载的最高集数
type Outcome struct {
	OK       bool
	Reason   Reason
	Filename string
	Files    []string
	Episode  int
	// Detail 保留底层错误文本，仅用于日志/报告。
	Detail string
}

func Success(filename string) Outcome {
	if filename == "" {
		filename = UnknownFilename
	}
	return Outcome{OK: true, Filename: filename, Files: []string{filename}}
}

func Failure(reason Reason, detail string) Outcome {
	if reason == ReasonNone {
		reason = ReasonDownloadError
	}
	return Outcome{Reason: reason, Detail: detail}
}

// EpisodeToRecord 返回成功后应写入 last_episode 的集数：
// folder 多集模式取下载器报告的最高集数，其它情况取公告识别出的集数。
func (o Outcome) EpisodeToRecord(detected int) int {
	if o.Episode > 0 {
		return o.Episode
	}
	return detected
}
