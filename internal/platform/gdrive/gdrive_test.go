package gdrive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/platform"
)

const interstitial = `<!DOCTYPE html><html><head><title>Google Drive - Virus scan warning</title></head><body>%s</body></html>`

func page(body string) string { return strings.Replace(interstitial, "%s", body, 1) }

// fakeDrive 模拟直连 / 确认页 / 两个确认模板。
func fakeDrive(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		id := q.Get("id")
		confirm := q.Get("confirm")

		html := func(s string) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(s))
		}
		binary := func(disposition, ct string) {
			if disposition != "" {
				w.Header().Set("Content-Disposition", disposition)
			}
			if ct == "" {
				ct = "application/octet-stream"
			}
			w.Header().Set("Content-Type", ct)
			_, _ = w.Write([]byte(strings.Repeat("\x00", 128<<10)))
		}

		switch id {
		case "ok1":
			binary(`attachment; filename="fallback.mkv"; filename*=UTF-8''%E7%AC%AC7%E8%AF%9D.mkv`, "")
		case "synth":
			binary("", "video/mp4")
		case "quota":
			html(page("<p>Sorry, you can't view or download this file at this time. Too many users have viewed or downloaded this file recently. Download quota exceeded.</p>"))
		case "json":
			switch {
			case confirm == "":
				http.SetCookie(w, &http.Cookie{Name: "download_warning_json", Value: "1", Path: "/"})
				html(page("<p>large file</p>"))
			case confirm == "t":
				html(page(`<script>var cfg = {"confirm": "JsOn9"};</script>`))
			case confirm == "JsOn9" && r.URL.Path == "/download":
				if _, err := r.Cookie("download_warning_json"); err != nil {
					html(page("<p>cookie missing</p>"))
					return
				}
				binary(`attachment; filename="ep.mkv"`, "")
			default:
				html(page("<p>unexpected</p>"))
			}
		case "form":
			switch {
			case confirm == "" || confirm == "t":
				html(page(`<form id="download-form" action="https://drive.usercontent.google.com/download" method="get">
<input type="hidden" name="id" value="form"><input type="hidden" name="confirm" value="F0rm"><input type="hidden" name="uuid" value="u-123"></form>`))
			case confirm == "F0rm" && q.Get("uuid") == "u-123":
				binary(`attachment; filename="form.mkv"`, "")
			default:
				html(page("<p>bad uuid</p>"))
			}
		case "second":
			switch {
			case confirm == "" || confirm == "t":
				html(page(`<a href="/uc?export=download&amp;confirm=Q1w2&amp;id=second">Download anyway</a>`))
			case r.URL.Path == "/uc" && confirm == "Q1w2":
				binary(`attachment; filename="second.mkv"`, "")
			default:
				html(page("<p>still interstitial</p>"))
			}
		case "none":
			html(page("<p>nothing to see here</p>"))
		case "stuck":
			html(page(`<a href="/uc?export=download&amp;confirm=Stk&amp;id=stuck">Download anyway</a>`))
		case "tiny":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("<!DOCTYPE html><html><body>error</body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newDownloader(t *testing.T) (Downloader, string) {
	t.Helper()
	srv := fakeDrive(t)
	t.Cleanup(srv.Close)
	return Downloader{Client: srv.Client(), BaseURL: srv.URL, ContentURL: srv.URL}, t.TempDir()
}

func download(d Downloader, dest, link string) domain.Outcome {
	return d.Download(context.Background(), platform.Request{Link: link, Dest: dest, Series: "My Show", Episode: 5})
}

func TestResolveID(t *testing.T) {
	cases := map[string]string{
		"https://drive.google.com/file/d/1AbC_d-9/view?usp=sharing": "1AbC_d-9",
		"https://drive.google.com/open?id=XyZ":                      "XyZ",
		"https://drive.google.com/uc?export=download&id=Q_1":        "Q_1",
		"https://docs.google.com/document/d/DoC1/edit":              "DoC1",
	}
	for link, want := range cases {
		if got, ok := ResolveID(link); !ok || got != want {
			t.Fatalf("%q：期望 %q，实际 %q ok=%v", link, want, got, ok)
		}
	}
	if _, ok := ResolveID("https://drive.google.com/drive/my-drive"); ok {
		t.Fatalf("无 id 的链接应解析失败")
	}
}

func TestDownload_DirectBinaryUsesUTF8Disposition(t *testing.T) {
	d, dest := newDownloader(t)
	out := download(d, dest, "https://drive.google.com/file/d/ok1/view")
	if !out.OK || out.Filename != "第7话.mkv" {
		t.Fatalf("期望使用 filename*，实际 %+v", out)
	}
	fi, err := os.Stat(filepath.Join(dest, "第7话.mkv"))
	if err != nil {
		t.Fatalf("期望文件落盘：%v", err)
	}
	if fi.Mode().Perm() != 0o754 {
		t.Fatalf("期望权限 0754，实际 %v", fi.Mode().Perm())
	}
}

func TestDownload_SynthesizedName(t *testing.T) {
	d, dest := newDownloader(t)
	out := download(d, dest, "https://drive.google.com/file/d/synth/view")
	if !out.OK || out.Filename != "My_Show_EP05.mp4" {
		t.Fatalf("期望合成文件名，实际 %+v", out)
	}
}

func TestDownload_QuotaOnDirect(t *testing.T) {
	d, dest := newDownloader(t)
	if out := download(d, dest, "https://drive.google.com/open?id=quota"); out.Reason != domain.ReasonQuotaExceeded {
		t.Fatalf("期望 quota_exceeded，实际 %+v", out)
	}
}

func TestDownload_ConfirmationVariants(t *testing.T) {
	cases := map[string]string{
		"json":   "ep.mkv",
		"form":   "form.mkv",
		"second": "second.mkv",
	}
	for id, want := range cases {
		d, dest := newDownloader(t)
		out := download(d, dest, "https://drive.google.com/file/d/"+id+"/view")
		if !out.OK || out.Filename != want {
			t.Fatalf("%s：期望 %q，实际 %+v", id, want, out)
		}
	}
}

func TestDownload_ConfirmationFailed(t *testing.T) {
	for _, id := range []string{"none", "stuck"} {
		d, dest := newDownloader(t)
		if out := download(d, dest, "https://drive.google.com/file/d/"+id+"/view"); out.Reason != domain.ReasonConfirmFailed {
			t.Fatalf("%s：期望 confirmation_failed，实际 %+v", id, out)
		}
	}
}

func TestDownload_SmallMarkupFileRemoved(t *testing.T) {
	d, dest := newDownloader(t)
	out := download(d, dest, "https://drive.google.com/file/d/tiny/view")
	if out.Reason != domain.ReasonHTMLInsteadOfFile {
		t.Fatalf("期望 html_instead_of_file，实际 %+v", out)
	}
	entries, _ := os.ReadDir(dest)
	if len(entries) != 0 {
		t.Fatalf("页面伪装的文件应被删除，实际 %d 项", len(entries))
	}
}

func TestDownload_InvalidLink(t *testing.T) {
	d, dest := newDownloader(t)
	if out := download(d, dest, "https://drive.google.com/drive/home"); out.Reason != domain.ReasonInvalidLink {
		t.Fatalf("期望 invalid_link，实际 %+v", out)
	}
}

func TestFindConfirmation_ActionURL(t *testing.T) {
	conf, ok := findConfirmation([]byte(`<html><form action="https://x.test/download?id=a&amp;confirm=Act1&amp;uuid=u-9"></form></html>`))
	if !ok || conf.Token != "Act1" {
		t.Fatalf("期望从 action 中取到 token，实际 %+v ok=%v", conf, ok)
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	cases := map[string]string{
		`attachment; filename*=UTF-8''Show%20EP07.mkv`:     "Show EP07.mkv",
		`attachment; filename="a/b.mkv"`:                  "a_b.mkv",
		`attachment; filename=plain.mp4`:                  "plain.mp4",
		`inline`:                                          "",
		`attachment; filename*=UTF-8''%ZZ; filename="q.mkv"`: "q.mkv",
	}
	for cd, want := range cases {
		if got := FilenameFromDisposition(cd); got != want {
			t.Fatalf("%q：期望 %q，实际 %q", cd, want, got)
		}
	}
}
