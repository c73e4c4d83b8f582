package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/fsx"
)

// quotaRE 匹配平台返回的额度/限流提示（英文 API 文案为主）。
var quotaRE = regexp.MustCompile(`(?i)quota|rate.?limit|limit exceeded|bandwidth limit|too many (?:requests|users)|download limit`)

// HasQuotaMarker 判断文本中是否含有额度/限流标记。
func HasQuotaMarker(b []byte) bool {
	return quotaRE.Match(b)
}

// ClassifyError 把网络层错误归类：超时 -> timeout，其它 -> download_error。
func ClassifyError(err error) domain.Reason {
	if err == nil {
		return domain.ReasonNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ReasonTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.ReasonTimeout
	}
	return domain.ReasonDownloadError
}

// FailErr 是 Failure(ClassifyError(err), err.Error()) 的简写。
func FailErr(err error) domain.Outcome {
	if err == nil {
		return domain.Failure(domain.ReasonDownloadError, "")
	}
	return domain.Failure(ClassifyError(err), err.Error())
}

// IsMarkupType 判断 Content-Type 是否为页面（而不是二进制文件）。
func IsMarkupType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// LooksLikeMarkup 检查内容开头是否为 HTML 文档签名。
func LooksLikeMarkup(prefix []byte) bool {
	s := bytes.ToLower(bytes.TrimSpace(bytes.TrimPrefix(prefix, []byte("\xef\xbb\xbf"))))
	return bytes.HasPrefix(s, []byte("<!doctype html")) ||
		bytes.HasPrefix(s, []byte("<html")) ||
		bytes.Contains(s, []byte("<head>")) ||
		bytes.Contains(s, []byte("<body"))
}

// SanitizeName 把远端给出的文件名规范化为可安全落盘的 basename。
// 返回空串表示不可用（调用方应改用合成文件名）。
func SanitizeName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, name)
	return strings.Trim(name, ". ")
}

// SynthName 合成 `<series>_EP<NN><ext>` 形式的文件名。
func SynthName(series string, episode int, ext string) string {
	s := SanitizeName(series)
	if s == "" {
		s = "episode"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_EP%02d%s", s, episode, ext)
}

var extByType = map[string]string{
	"video/mp4":                    ".mp4",
	"video/x-matroska":             ".mkv",
	"video/webm":                   ".webm",
	"video/x-msvideo":              ".avi",
	"video/quicktime":              ".mov",
	"video/mp2t":                   ".ts",
	"application/zip":              ".zip",
	"application/x-rar-compressed": ".rar",
	"application/vnd.rar":          ".rar",
	"application/x-7z-compressed":  ".7z",
}

// ExtForType 根据 Content-Type 猜扩展名；未知类型默认 .mkv。
func ExtForType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".mkv"
	}
	if ext, ok := extByType[mt]; ok {
		return ext
	}
	return ".mkv"
}

// Save 把 body 流式写入 dest/name（权限 fsx.DownloadPerm），返回落盘路径与字节数。
func Save(dest, name string, body io.Reader, chunkSize int) (string, int64, error) {
	n, err := fsx.WriteStreamAtomic(dest, name, body, fsx.DownloadPerm, chunkSize)
	if err != nil {
		return "", n, err
	}
	return filepath.Join(filepath.Clean(dest), name), n, nil
}

// PeekFile 读取文件开头至多 n 字节。
func PeekFile(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	k, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:k], nil
}

// DrainClose 丢弃少量剩余 body 后关闭，让连接可以复用。
func DrainClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, body, 4<<10)
	_ = body.Close()
}
