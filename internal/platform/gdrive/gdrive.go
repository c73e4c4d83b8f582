package gdrive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/httpx"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/platform"
)

const (
	Name = "gdrive"

	defaultBaseURL    = "https://drive.google.com"
	defaultContentURL = "https://drive.usercontent.google.com"

	// quotaPeek 是检查额度提示时读取的页面前缀长度。
	quotaPeek = 4 << 10
	// 落盘文件小于 smallFile 时，读取开头 markupPeek 字节检查是否其实是页面。
	smallFile  = 100 << 10
	markupPeek = 2 << 10
	pageLimit  = 8 << 20
)

// idPatterns 是已知的文件 id 形态，按顺序尝试。
var idPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`/d/([A-Za-z0-9_-]+)`),
}

var (
	tokenQueryRE = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)
	tokenJSONRE  = regexp.MustCompile(`"confirm"\s*:\s*"([0-9A-Za-z_-]+)"`)

	dispositionStarRE  = regexp.MustCompile(`(?i)filename\*\s*=\s*(?:UTF-8)?''([^;]+)`)
	dispositionQuoteRE = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]+)"`)
	dispositionPlainRE = regexp.MustCompile(`(?i)filename\s*=\s*([^";]+)`)
)

// Downloader 处理“需要确认页”的平台：先直连下载，遇到页面再寻找确认 token。
type Downloader struct {
	// Client 的 Transport 会被复用；每次下载使用独立的 cookie jar。
	Client *http.Client

	BaseURL    string
	ContentURL string
	ChunkSize  int
	Logger     *slog.Logger
}

func (Downloader) Name() string { return Name }

func (Downloader) URLPattern() string {
	return `https://(?:drive|docs)\.google\.com/[^\s<>()\[\]]+`
}

// ResolveID 从各种已知链接形态中提取文件 id。
func ResolveID(link string) (string, bool) {
	for _, re := range idPatterns {
		if m := re.FindStringSubmatch(link); len(m) == 2 {
			return m[1], true
		}
	}
	return "", false
}

// confirmation 是从确认页中找到的 token（以及新版页面附带的 uuid）。
type confirmation struct {
	Token string
	UUID  string
}

func (d Downloader) Download(ctx context.Context, req platform.Request) domain.Outcome {
	id, ok := ResolveID(req.Link)
	if !ok {
		return domain.Failure(domain.ReasonInvalidLink, fmt.Sprintf("无法从链接解析文件 id：%q", req.Link))
	}
	client := httpx.WithJar(d.Client, httpx.NewJar())
	log := d.logger().With(logging.FieldSeries, req.Series, "id", id)

	// 1) 直连
	direct := d.contentURL() + "/download?id=" + url.QueryEscape(id) + "&export=download"
	resp, err := d.get(ctx, client, direct)
	if err != nil {
		return platform.FailErr(err)
	}
	if isBinary(resp) {
		return d.save(resp, req)
	}
	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, quotaPeek))
	platform.DrainClose(resp.Body)
	if platform.HasQuotaMarker(prefix) {
		return domain.Failure(domain.ReasonQuotaExceeded, "直连返回额度提示页")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return (&platform.HTTPStatusError{URL: direct, StatusCode: resp.StatusCode}).Outcome("")
	}

	// 2) 隐式确认
	resp, err = d.get(ctx, client, direct+"&confirm=t")
	if err != nil {
		return platform.FailErr(err)
	}
	if isBinary(resp) {
		return d.save(resp, req)
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, pageLimit))
	_ = resp.Body.Close()
	if err != nil {
		return platform.FailErr(err)
	}

	// 3) 从确认页中找 token
	conf, ok := findConfirmation(page)
	if !ok {
		return domain.Failure(domain.ReasonConfirmFailed, "确认页中没有找到 token")
	}
	log.Debug("找到确认 token", "has_uuid", conf.UUID != "")

	for _, u := range d.confirmURLs(id, conf) {
		resp, err := d.get(ctx, client, u)
		if err != nil {
			return platform.FailErr(err)
		}
		if isBinary(resp) {
			return d.save(resp, req)
		}
		platform.DrainClose(resp.Body)
	}
	return domain.Failure(domain.ReasonConfirmFailed, "所有确认地址仍然返回页面")
}

func (d Downloader) confirmURLs(id string, conf confirmation) []string {
	first := fmt.Sprintf("%s/download?id=%s&export=download&confirm=%s", d.contentURL(), url.QueryEscape(id), url.QueryEscape(conf.Token))
	if conf.UUID != "" {
		first += "&uuid=" + url.QueryEscape(conf.UUID)
	}
	second := fmt.Sprintf("%s/uc?export=download&confirm=%s&id=%s", d.baseURL(), url.QueryEscape(conf.Token), url.QueryEscape(id))
	return []string{first, second}
}

// findConfirmation 依次尝试：查询参数、JSON 字段、隐藏表单值、表单 action URL。
func findConfirmation(page []byte) (confirmation, bool) {
	if m := tokenQueryRE.FindSubmatch(page); len(m) == 2 {
		return confirmation{Token: string(m[1])}, true
	}
	if m := tokenJSONRE.FindSubmatch(page); len(m) == 2 {
		return confirmation{Token: string(m[1])}, true
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return confirmation{}, false
	}
	uuid, _ := doc.Find(`input[name="uuid"]`).First().Attr("value")
	if v, ok := doc.Find(`input[name="confirm"]`).First().Attr("value"); ok && strings.TrimSpace(v) != "" {
		return confirmation{Token: strings.TrimSpace(v), UUID: strings.TrimSpace(uuid)}, true
	}

	var conf confirmation
	doc.Find("form[action]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		action, _ := s.Attr("action")
		u, err := url.Parse(strings.TrimSpace(action))
		if err != nil {
			return true
		}
		if tok := u.Query().Get("confirm"); tok != "" {
			conf = confirmation{Token: tok, UUID: u.Query().Get("uuid")}
			return false
		}
		return true
	})
	return conf, conf.Token != ""
}

// save 落盘并做最后的完整性检查：过小的文件如果其实是页面，删除并报告 html_instead_of_file。
func (d Downloader) save(resp *http.Response, req platform.Request) domain.Outcome {
	defer platform.DrainClose(resp.Body)

	name := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = platform.SynthName(req.Series, req.Episode, platform.ExtForType(resp.Header.Get("Content-Type")))
	}
	path, n, err := platform.Save(req.Dest, name, resp.Body, d.ChunkSize)
	if err != nil {
		return platform.FailErr(err)
	}
	if n < smallFile {
		head, err := platform.PeekFile(path, markupPeek)
		if err == nil && platform.LooksLikeMarkup(head) {
			_ = os.Remove(path)
			return domain.Failure(domain.ReasonHTMLInsteadOfFile, fmt.Sprintf("落盘内容是页面（%d 字节）", n))
		}
	}
	return domain.Success(name)
}

// FilenameFromDisposition 优先使用 filename*（百分号编码的 UTF-8），其次是普通 filename。
// 无法得到可用文件名时返回空串。
func FilenameFromDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	if m := dispositionStarRE.FindStringSubmatch(cd); len(m) == 2 {
		if v, err := url.PathUnescape(strings.Trim(strings.TrimSpace(m[1]), `"`)); err == nil {
			if name := platform.SanitizeName(v); name != "" {
				return name
			}
		}
	}
	if m := dispositionQuoteRE.FindStringSubmatch(cd); len(m) == 2 {
		if name := platform.SanitizeName(m[1]); name != "" {
			return name
		}
	}
	if m := dispositionPlainRE.FindStringSubmatch(cd); len(m) == 2 {
		return platform.SanitizeName(m[1])
	}
	return ""
}

func isBinary(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	return !platform.IsMarkupType(resp.Header.Get("Content-Type"))
}

func (d Downloader) get(ctx context.Context, c *http.Client, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (d Downloader) baseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(d.BaseURL), "/"); u != "" {
		return u
	}
	return defaultBaseURL
}

func (d Downloader) contentURL() string {
	if u := strings.TrimRight(strings.TrimSpace(d.ContentURL), "/"); u != "" {
		return u
	}
	return defaultContentURL
}

func (d Downloader) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}
