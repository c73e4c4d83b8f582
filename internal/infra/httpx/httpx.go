package httpx

import (
	"compress/gzip"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout       = 20 * time.Second
	defaultHeaderTimeout = 30 * time.Second
	defaultRetryMax      = 2
)

// Options 描述 HTTP client 的网络策略。零值字段使用默认值。
type Options struct {
	ProxyURL string

	// Timeout 是单个请求的总超时（含 body 读取）；下载大文件时应设为 0，改由 ctx 控制。
	Timeout time.Duration
	// HeaderTimeout 是等待响应头的超时。
	HeaderTimeout time.Duration

	// RetryMax 表示最大重试次数（不含首次尝试）；<0 表示不重试。
	RetryMax int

	// RequestsPerSecond 是每个 host 的请求速率上限；<=0 表示不限速。
	RequestsPerSecond float64

	// Decompress 为 true 时主动声明 br/gzip 并透明解码（只用于页面与 API，二进制下载保持原样）。
	Decompress bool
}

// Transport 把“UA 池 + 代理 + keep-alive 策略 + 有界重试 + 按 host 限速 + 解码”固化为统一策略。
//
// 下载器只负责“请求哪个 URL + 如何分类响应”，不关心网络策略细节。
type Transport struct {
	Base *http.Transport

	ua *uaPool

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// DisableKeepAlives 决定是否对 Request 设置 Close=true（额外保险）。
	// 真正禁用 keep-alive 依赖 Base.DisableKeepAlives。
	DisableKeepAlives bool

	Decompress bool

	limiters *hostLimiters
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && (req.Body == nil || req.Body == http.NoBody)
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}

	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		if err := t.limiters.wait(req); err != nil {
			return nil, err
		}

		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", t.ua.random())
		}
		ownEncoding := false
		if t.Decompress && r.Header.Get("Accept-Encoding") == "" && r.Header.Get("Range") == "" {
			r.Header.Set("Accept-Encoding", "br, gzip")
			ownEncoding = true
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		resp, err := t.Base.RoundTrip(r)
		if err == nil {
			if ownEncoding {
				return decode(resp)
			}
			return resp, nil
		}
		lastErr = err
		if req.Context().Err() != nil {
			// ctx 已取消：不再重试，直接返回最后错误（更可解释）。
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// decode 按 Content-Encoding 透明解码 body；解码后去掉长度与编码头，避免上层误用。
func decode(resp *http.Response) (*http.Response, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, err
		}
		resp.Body = &decodedBody{Reader: zr, raw: resp.Body}
	default:
		return resp, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	io.Reader
	raw io.ReadCloser
}

func (b *decodedBody) Close() error {
	if c, ok := b.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return b.raw.Close()
}

// NewClient 构造平台访问用的 HTTP client。
//
// 规则：
// - ProxyURL 非空：必须走代理，且禁用 keep-alive（每请求新连接）
// - 内置 UA 池：每个请求随机 UA
// - 有界重试 + 总超时 + 按 host 限速
func NewClient(opts Options) (*http.Client, error) {
	headerTimeout := opts.HeaderTimeout
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		// 由 Transport.Decompress 决定是否声明压缩；关闭标准库的隐式 gzip，避免二进制下载被改写。
		DisableCompression: true,
	}

	disableKeepAlives := false
	if proxyURL := strings.TrimSpace(opts.ProxyURL); proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		// proxy 模式强制每请求新连接（代理池轮换依赖该行为）。
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	retryMax := opts.RetryMax
	if retryMax == 0 {
		retryMax = defaultRetryMax
	}

	tr := &Transport{
		Base:              base,
		ua:                globalUA,
		RetryMax:          retryMax,
		DisableKeepAlives: disableKeepAlives,
		Decompress:        opts.Decompress,
		limiters:          newHostLimiters(opts.RequestsPerSecond),
	}

	timeout := opts.Timeout
	if timeout < 0 {
		timeout = 0
	} else if timeout == 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: tr,
		Timeout:   timeout,
	}, nil
}

// NewJar 返回一个按 public suffix 隔离的 cookie jar（确认流程需要跨请求保留 cookie）。
func NewJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New 目前不会返回错误；保底退化为无 jar。
		return nil
	}
	return jar
}

// WithJar 返回共享 Transport、但使用独立 cookie jar 的 client 副本。
func WithJar(c *http.Client, jar http.CookieJar) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	c2 := *c
	c2.Jar = jar
	return &c2
}

// hostLimiters 为每个 host 维护一个 token bucket；rps<=0 时不限速。
type hostLimiters struct {
	rps float64

	mu sync.Mutex
	m  map[string]*rate.Limiter
}

func newHostLimiters(rps float64) *hostLimiters {
	return &hostLimiters{rps: rps, m: map[string]*rate.Limiter{}}
}

func (h *hostLimiters) wait(req *http.Request) error {
	if h == nil || h.rps <= 0 || req.URL == nil {
		return nil
	}
	return h.get(req.URL.Host).Wait(req.Context())
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.m[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.rps), 1)
		h.m[host] = l
	}
	return l
}

type uaPool struct {
	mu  sync.Mutex
	rnd *rand.Rand
	uas []string
}

func (p *uaPool) random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uas[p.rnd.Intn(len(p.uas))]
}

var globalUA = newUAPool()

func newUAPool() *uaPool {
	uas := []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	}
	return &uaPool{
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
		uas: uas,
	}
}
