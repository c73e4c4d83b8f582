package pixeldrain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/cache"
	"github.com/John-Robertt/epwatch/internal/platform"
)

// fakeServer 模拟 pixeldrain 的 info / download / 文件夹页面接口。
type fakeServer struct {
	t *testing.T

	mu     sync.Mutex
	hits   []string
	folder []byte
	// status 为某个文件 id 指定下载接口的失败状态码。
	status map[string]int
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits = append(f.hits, r.URL.Path)
	f.mu.Unlock()

	switch {
	case strings.HasPrefix(r.URL.Path, "/l/"):
		if f.folder == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(f.folder)
	case strings.HasSuffix(r.URL.Path, "/info"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/file/"), "/info")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"` + id + `","name":"Show EP07.mkv"}`))
	case strings.HasPrefix(r.URL.Path, "/api/file/"):
		if _, ok := r.URL.Query()["download"]; !ok {
			f.t.Errorf("下载请求缺少 download 参数：%s", r.URL.String())
		}
		id := strings.TrimPrefix(r.URL.Path, "/api/file/")
		if code, ok := f.status[id]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			if code == http.StatusForbidden {
				_, _ = w.Write([]byte(`{"success":false,"value":"file_rate_limited_captcha_required","message":"This file is using too much bandwidth."}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":false,"value":"internal"}`))
			return
		}
		w.Header().Set("Content-Type", "video/x-matroska")
		_, _ = w.Write([]byte("matroska-bytes-" + id))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) hit(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hits {
		if h == path {
			return true
		}
	}
	return false
}

func newFixture(t *testing.T) (*fakeServer, Downloader, string) {
	t.Helper()
	folder, err := os.ReadFile(filepath.Join("testdata", "folder.html"))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	fs := &fakeServer{t: t, folder: folder, status: map[string]int{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)

	d := Downloader{
		Client:    srv.Client(),
		BaseURL:   srv.URL,
		ChunkSize: 8,
		Now:       func() time.Time { return time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC) },
	}
	return fs, d, t.TempDir()
}

func TestResolveID(t *testing.T) {
	cases := []struct {
		link string
		kind domain.ShareType
		id   string
	}{
		{"https://pixeldrain.com/u/abcd1234", domain.ShareFile, "abcd1234"},
		{"https://pixeldrain.com/l/fold1234#item=2", domain.ShareFolder, "fold1234"},
		{"https://pixeldrain.com/api/file/x_y-z?download", domain.ShareFile, "x_y-z"},
		{"https://pixeldrain.com/api/list/L1", domain.ShareFolder, "L1"},
	}
	for _, c := range cases {
		kind, id, ok := ResolveID(c.link)
		if !ok || kind != c.kind || id != c.id {
			t.Fatalf("%q：期望 (%s,%s)，实际 (%s,%s,%v)", c.link, c.kind, c.id, kind, id, ok)
		}
	}
	if _, _, ok := ResolveID("https://pixeldrain.com/"); ok {
		t.Fatalf("无 id 的链接应解析失败")
	}
}

func TestDownload_SingleFileFromAnnouncementLink(t *testing.T) {
	fs, d, dest := newFixture(t)

	out := d.Download(context.Background(), platform.Request{
		Link:    "https://pixeldrain.com/u/abcd1234",
		Dest:    dest,
		Series:  "Show",
		Episode: 7,
	})
	if !out.OK {
		t.Fatalf("期望成功，实际 %+v", out)
	}
	if out.Filename != "Show EP07.mkv" {
		t.Fatalf("应使用 info 接口返回的文件名，实际 %q", out.Filename)
	}
	if !fs.hit("/api/file/abcd1234/info") || !fs.hit("/api/file/abcd1234") {
		t.Fatalf("期望以 id abcd1234 调用 info 与下载接口，实际 %v", fs.hits)
	}

	fi, err := os.Stat(filepath.Join(dest, "Show EP07.mkv"))
	if err != nil {
		t.Fatalf("期望文件落盘：%v", err)
	}
	if fi.Mode().Perm() != 0o754 {
		t.Fatalf("期望权限 0754，实际 %v", fi.Mode().Perm())
	}
}

func TestDownload_QuotaJSON(t *testing.T) {
	fs, d, dest := newFixture(t)
	fs.status["q1"] = http.StatusForbidden

	out := d.Download(context.Background(), platform.Request{Link: "https://pixeldrain.com/u/q1", Dest: dest, Series: "s", Episode: 1})
	if out.OK || out.Reason != domain.ReasonQuotaExceeded {
		t.Fatalf("期望 quota_exceeded，实际 %+v", out)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Fatalf("失败时不应落盘任何文件，实际 %d 项", len(entries))
	}
}

func TestDownload_InvalidLink(t *testing.T) {
	_, d, dest := newFixture(t)
	out := d.Download(context.Background(), platform.Request{Link: "https://pixeldrain.com/", Dest: dest})
	if out.Reason != domain.ReasonInvalidLink {
		t.Fatalf("期望 invalid_link，实际 %+v", out)
	}
}

func TestDownload_FolderMultiStopsAtFirstFailure(t *testing.T) {
	fs, d, dest := newFixture(t)
	fs.status["f004"] = http.StatusInternalServerError

	out := d.Download(context.Background(), platform.Request{
		Link:        "https://pixeldrain.com/l/fold1234",
		Dest:        dest,
		Series:      "Weekly Show",
		Episode:     6,
		LastEpisode: 2,
		Options:     domain.PlatformOptions{MultiEpisode: true},
	})
	if !out.OK {
		t.Fatalf("期望部分成功，实际 %+v", out)
	}
	if out.Episode != 3 {
		t.Fatalf("期望记录第 3 集，实际 %d", out.Episode)
	}
	if len(out.Files) != 1 {
		t.Fatalf("期望只下载 1 个文件，实际 %v", out.Files)
	}
	if fs.hit("/api/file/f006") {
		t.Fatalf("第 4 集失败后不应再尝试第 6 集")
	}
	if !fs.hit("/api/file/f003") || !fs.hit("/api/file/f004") {
		t.Fatalf("期望按顺序尝试 3、4：%v", fs.hits)
	}
}

func TestDownload_FolderMultiAllFailAndNoNew(t *testing.T) {
	fs, d, dest := newFixture(t)
	fs.status["f003"] = http.StatusInternalServerError

	req := platform.Request{
		Link:        "https://pixeldrain.com/l/fold1234",
		Dest:        dest,
		Series:      "Weekly Show",
		LastEpisode: 2,
		Options:     domain.PlatformOptions{MultiEpisode: true},
	}
	if out := d.Download(context.Background(), req); out.Reason != domain.ReasonAllDownloadsFail {
		t.Fatalf("期望 all_downloads_failed，实际 %+v", out)
	}

	req.LastEpisode = 6
	if out := d.Download(context.Background(), req); out.Reason != domain.ReasonNoNewEpisodes {
		t.Fatalf("期望 no_new_episodes，实际 %+v", out)
	}
}

func TestDownload_FolderAgeFilterExcludesOldFile(t *testing.T) {
	fs, d, dest := newFixture(t)
	d.MaxAge = 72 * time.Hour

	req := platform.Request{
		Link:    "https://pixeldrain.com/l/fold1234",
		Dest:    dest,
		Series:  "Weekly Show",
		Episode: 3,
	}
	if out := d.Download(context.Background(), req); out.Reason != domain.ReasonEpisodeNotFound {
		t.Fatalf("过期文件不应成为候选，期望 episode_not_found，实际 %+v", out)
	}

	// 日期无法解析的文件不参与过滤。
	req.Episode = 6
	out := d.Download(context.Background(), req)
	if !out.OK || out.Filename != "[Sub] Weekly Show - 06 [1080p].mkv" {
		t.Fatalf("期望下载第 6 集，实际 %+v", out)
	}
	if !fs.hit("/api/file/f006") {
		t.Fatalf("期望以文件 id 下载：%v", fs.hits)
	}
}

func TestDownload_FolderRegexWins(t *testing.T) {
	_, d, dest := newFixture(t)
	out := d.Download(context.Background(), platform.Request{
		Link:    "https://pixeldrain.com/l/fold1234",
		Dest:    dest,
		Series:  "Weekly Show",
		Episode: 1003,
		Options: domain.PlatformOptions{FolderRegex: `-\s*(\d+)\s*\[1080p\]`},
	})
	if out.Reason != domain.ReasonEpisodeNotFound {
		t.Fatalf("folder_regex 解析出 3 而不是 1003，期望 episode_not_found，实际 %+v", out)
	}
}

func TestDownload_FolderParseErrorDumpsPage(t *testing.T) {
	fs, d, dest := newFixture(t)
	fs.folder = []byte("<html><body>maintenance</body></html>")
	d.Pages = cache.New(t.TempDir(), false)

	out := d.Download(context.Background(), platform.Request{Link: "https://pixeldrain.com/l/broken1", Dest: dest, Series: "s", Episode: 1})
	if out.Reason != domain.ReasonFolderParseError {
		t.Fatalf("期望 folder_parse_error，实际 %+v", out)
	}
	b, ok, err := d.Pages.ReadPage(Name, "broken1")
	if err != nil || !ok || !strings.Contains(string(b), "maintenance") {
		t.Fatalf("期望保存原始页面，ok=%v err=%v", ok, err)
	}
}

func TestDownload_EmptyFolder(t *testing.T) {
	fs, d, dest := newFixture(t)
	fs.folder = []byte(`<html><script>window.viewer_data = {"api_response":{"id":"e","files":[]}};</script></html>`)

	out := d.Download(context.Background(), platform.Request{Link: "https://pixeldrain.com/l/e", Dest: dest, Series: "s", Episode: 1})
	if out.Reason != domain.ReasonNoFiles {
		t.Fatalf("期望 no_files，实际 %+v", out)
	}
}

func TestDownload_ConfiguredShareTypeWins(t *testing.T) {
	fs, d, dest := newFixture(t)
	out := d.Download(context.Background(), platform.Request{
		Link:    "https://pixeldrain.com/l/abcd1234",
		Dest:    dest,
		Series:  "Show",
		Episode: 7,
		Options: domain.PlatformOptions{ShareType: domain.ShareFile},
	})
	if !out.OK {
		t.Fatalf("期望按 file 处理并成功，实际 %+v", out)
	}
	if fs.hit("/l/abcd1234") {
		t.Fatalf("配置为 file 时不应抓取文件夹页面")
	}
}

func TestParseListing_Fixture(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("testdata", "folder.html"))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	files, err := ParseListing(b)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if len(files) != 4 {
		t.Fatalf("期望 4 个文件，实际 %d", len(files))
	}
	if files[0].ID != "f003" || files[0].Uploaded.IsZero() {
		t.Fatalf("首个文件解析不符合预期：%+v", files[0])
	}
	if !files[3].Uploaded.IsZero() {
		t.Fatalf("无法解析的日期应为零值：%+v", files[3])
	}

	if _, err := ParseListing([]byte(`<script>window.viewer_data = {"api_response":{"id":"x"}};</script>`)); err == nil {
		t.Fatalf("缺少 files 字段应报错")
	}
	if _, err := ParseListing([]byte(`<script>window.viewer_data = {broken</script>`)); err == nil {
		t.Fatalf("非法 JSON 应报错")
	}
}
