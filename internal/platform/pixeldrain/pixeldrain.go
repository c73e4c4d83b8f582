package pixeldrain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/episode"
	"github.com/John-Robertt/epwatch/internal/infra/cache"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/platform"
)

const (
	Name = "pixeldrain"

	defaultBaseURL = "https://pixeldrain.com"
	// 非二进制响应最多读取这么多字节用于分类。
	sniffLimit = 64 << 10
)

// idRE 从分享链接中提取 (类型, id)：/u/ 与 /api/file/ 是单文件，/l/ 与 /api/list/ 是文件夹。
var idRE = regexp.MustCompile(`/(u|l|api/file|api/list)/([A-Za-z0-9_-]+)`)

// Downloader 是“列表平台”的下载器：单文件直接流式下载；文件夹先抓页面解析列表，再按集数挑选文件。
type Downloader struct {
	// Client 用于元数据、文件夹页面等小请求。
	Client *http.Client
	// FileClient 用于二进制下载（应不设总超时）；为 nil 时使用 Client。
	FileClient *http.Client

	// BaseURL 默认 https://pixeldrain.com；测试可指向 httptest。
	BaseURL string

	// MaxAge 是文件夹模式的上传时间过滤阈值；<=0 表示不过滤。
	MaxAge    time.Duration
	ChunkSize int

	// Pages 保存解析失败的文件夹页面，便于排查页面结构变化。
	Pages  cache.Store
	Logger *slog.Logger

	// Now 允许测试注入时间。
	Now func() time.Time
}

func (Downloader) Name() string { return Name }

func (Downloader) URLPattern() string { return `https://pixeldrain\.com/[^\s<>()\[\]]+` }

func (d Downloader) Download(ctx context.Context, req platform.Request) domain.Outcome {
	kind, id, ok := ResolveID(req.Link)
	if !ok {
		return domain.Failure(domain.ReasonInvalidLink, fmt.Sprintf("无法从链接解析 id：%q", req.Link))
	}

	share := req.Options.ShareType
	switch {
	case share == domain.ShareAuto:
		share = kind
	case share != kind:
		d.logger().Warn("配置的 share_type 与链接形态不一致，按配置处理",
			logging.FieldSeries, req.Series,
			"configured", string(share),
			"inferred", string(kind),
			"link", req.Link,
		)
	}

	if share == domain.ShareFolder {
		return d.downloadFolder(ctx, id, req)
	}
	return d.downloadFile(ctx, id, "", req.Episode, req)
}

// ResolveID 从链接解析文件/文件夹 id，并按 URL 形态推断 share type。
func ResolveID(link string) (domain.ShareType, string, bool) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil || u.Path == "" {
		return domain.ShareAuto, "", false
	}
	m := idRE.FindStringSubmatch(u.Path)
	if len(m) < 3 {
		return domain.ShareAuto, "", false
	}
	switch m[1] {
	case "l", "api/list":
		return domain.ShareFolder, m[2], true
	default:
		return domain.ShareFile, m[2], true
	}
}

// downloadFile 下载单个文件。name 为空时先查询元数据接口获取真实文件名。
func (d Downloader) downloadFile(ctx context.Context, id, name string, ep int, req platform.Request) domain.Outcome {
	if name == "" {
		n, err := d.fileName(ctx, id)
		if err != nil {
			d.logger().Debug("查询文件名失败，将使用合成文件名", "id", id, "error", err)
		}
		name = n
	}

	u := d.baseURL() + "/api/file/" + url.PathEscape(id) + "?download"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Failure(domain.ReasonInvalidLink, err.Error())
	}
	resp, err := d.fileClient().Do(hreq)
	if err != nil {
		return platform.FailErr(err)
	}
	defer platform.DrainClose(resp.Body)

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || isJSON(ct) || platform.IsMarkupType(ct) {
		return classifyNonBinary(resp)
	}

	name = platform.SanitizeName(name)
	if name == "" {
		name = platform.SynthName(req.Series, ep, platform.ExtForType(ct))
	}
	if _, _, err := platform.Save(req.Dest, name, resp.Body, d.ChunkSize); err != nil {
		return platform.FailErr(err)
	}
	return domain.Success(name)
}

// classifyNonBinary 读取少量 body 判断是额度限制、页面还是其它错误。
func classifyNonBinary(resp *http.Response) domain.Outcome {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, sniffLimit))
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	if platform.HasQuotaMarker(body) {
		return domain.Failure(domain.ReasonQuotaExceeded, detail)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &platform.HTTPStatusError{URL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
		return serr.Outcome(detail)
	}
	if platform.IsMarkupType(resp.Header.Get("Content-Type")) {
		return domain.Failure(domain.ReasonHTMLInsteadOfFile, detail)
	}
	return domain.Failure(domain.ReasonDownloadError, detail)
}

type fileInfo struct {
	Name string `json:"name"`
}

func (d Downloader) fileName(ctx context.Context, id string) (string, error) {
	u := d.baseURL() + "/api/file/" + url.PathEscape(id) + "/info"
	b, err := d.get(ctx, u)
	if err != nil {
		return "", err
	}
	var info fileInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return "", err
	}
	if strings.TrimSpace(info.Name) == "" {
		return "", errors.New("info 接口未返回文件名")
	}
	return info.Name, nil
}

// candidate 是文件夹扫描中识别出集数的文件（只在一次调用内存在）。
type candidate struct {
	ListedFile
	Episode int
}

func (d Downloader) downloadFolder(ctx context.Context, id string, req platform.Request) domain.Outcome {
	page, err := d.get(ctx, d.baseURL()+"/l/"+url.PathEscape(id))
	if err != nil {
		var serr *platform.HTTPStatusError
		if errors.As(err, &serr) {
			if platform.HasQuotaMarker(page) {
				return domain.Failure(domain.ReasonQuotaExceeded, err.Error())
			}
			return serr.Outcome("")
		}
		return platform.FailErr(err)
	}

	files, err := ParseListing(page)
	if err != nil {
		if werr := d.Pages.WritePage(Name, id, page); werr != nil {
			d.logger().Warn("保存文件夹页面失败", "id", id, "error", werr)
		}
		return domain.Failure(domain.ReasonFolderParseError, err.Error())
	}
	if len(files) == 0 {
		return domain.Failure(domain.ReasonNoFiles, "文件夹为空："+id)
	}

	cands := d.candidates(files, req)
	if len(cands) == 0 {
		return domain.Failure(domain.ReasonNoEpisodesFound, fmt.Sprintf("文件夹 %s 的 %d 个文件都无法识别集数", id, len(files)))
	}

	if !req.Options.MultiEpisode {
		for _, c := range cands {
			if c.Episode == req.Episode {
				return d.downloadFile(ctx, c.ID, c.Name, c.Episode, req)
			}
		}
		return domain.Failure(domain.ReasonEpisodeNotFound, fmt.Sprintf("文件夹 %s 中没有第 %d 集", id, req.Episode))
	}
	return d.downloadNew(ctx, cands, req)
}

// candidates 做年龄过滤与集数推断，并按集数升序返回。
func (d Downloader) candidates(files []ListedFile, req platform.Request) []candidate {
	folderRE := episode.Compile(req.Options.FolderRegex)
	seriesRE := episode.Compile(req.EpisodeRegex)
	now := d.now()

	out := make([]candidate, 0, len(files))
	for _, f := range files {
		if d.MaxAge > 0 && !f.Uploaded.IsZero() && now.Sub(f.Uploaded) > d.MaxAge {
			continue
		}
		ep, ok := episode.Infer(f.Name, folderRE, seriesRE)
		if !ok {
			continue
		}
		out = append(out, candidate{ListedFile: f, Episode: ep})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Episode < out[j].Episode })
	return out
}

// downloadNew 按集数升序下载所有新集，遇到第一个失败即停止。
// 成功时 Episode 是停止点之前成功下载的最高集数。
func (d Downloader) downloadNew(ctx context.Context, cands []candidate, req platform.Request) domain.Outcome {
	var pending []candidate
	for _, c := range cands {
		if c.Episode > req.LastEpisode {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return domain.Failure(domain.ReasonNoNewEpisodes, fmt.Sprintf("没有大于 %d 的集数", req.LastEpisode))
	}

	var (
		files []string
		best  int
		stop  domain.Outcome
	)
	for _, c := range pending {
		out := d.downloadFile(ctx, c.ID, c.Name, c.Episode, req)
		if !out.OK {
			stop = out
			d.logger().Warn("多集下载中断",
				logging.FieldSeries, req.Series,
				logging.FieldEpisode, c.Episode,
				logging.FieldReason, string(out.Reason),
			)
			break
		}
		files = append(files, out.Filename)
		best = c.Episode
	}
	if len(files) == 0 {
		return domain.Failure(domain.ReasonAllDownloadsFail, fmt.Sprintf("%s: %s", stop.Reason, stop.Detail))
	}
	return domain.Outcome{
		OK:       true,
		Filename: files[len(files)-1],
		Files:    files,
		Episode:  best,
	}
}

// get 读取小响应；非 2xx 时返回 HTTPStatusError，同时返回 body 便于分类。
func (d Downloader) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return b, &platform.HTTPStatusError{URL: u, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}
	return b, nil
}

func isJSON(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

func (d Downloader) baseURL() string {
	u := strings.TrimSpace(d.BaseURL)
	if u == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

func (d Downloader) client() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

func (d Downloader) fileClient() *http.Client {
	if d.FileClient != nil {
		return d.FileClient
	}
	return d.client()
}

func (d Downloader) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}

func (d Downloader) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
