package platform

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/epwatch/internal/domain"
)

// HTTPStatusError 表示平台返回了非 2xx 的 HTTP 状态码。
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP 状态异常"
	}
	msg := fmt.Sprintf("HTTP %d", e.StatusCode)
	if u, err := url.Parse(e.URL); err == nil && u.Host != "" {
		msg += " host=" + u.Host
	}
	if loc := strings.TrimSpace(e.Location); loc != "" {
		msg += " location=" + loc
	}
	return msg
}

// Outcome 把状态错误转换为失败结果；detail 附在错误文本之后。
func (e *HTTPStatusError) Outcome(detail string) domain.Outcome {
	msg := e.Error()
	if detail = strings.TrimSpace(detail); detail != "" {
		msg += " " + detail
	}
	return domain.Failure(ClassifyStatus(e.StatusCode), msg)
}

// ClassifyStatus 把非 2xx 状态码归类：429 视为额度耗尽，其它一律 download_error。
func ClassifyStatus(code int) domain.Reason {
	if code == http.StatusTooManyRequests {
		return domain.ReasonQuotaExceeded
	}
	return domain.ReasonDownloadError
}
