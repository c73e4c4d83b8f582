package platform

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/John-Robertt/epwatch/internal/domain"
)

// Registry 是下载器的只读注册表（按 name 索引）。
// 新平台只需要注册一个 Downloader，不在其它地方按名称分支。
type Registry struct {
	byName map[string]Downloader
	shapes map[string]*regexp.Regexp
}

func NewRegistry(downloaders ...Downloader) (Registry, error) {
	byName := make(map[string]Downloader, len(downloaders))
	shapes := make(map[string]*regexp.Regexp, len(downloaders))
	for _, d := range downloaders {
		if d == nil {
			return Registry{}, fmt.Errorf("downloader 不能为空")
		}
		name := normalize(d.Name())
		if name == "" {
			return Registry{}, fmt.Errorf("downloader.Name 不能为空")
		}
		if _, ok := byName[name]; ok {
			return Registry{}, fmt.Errorf("重复的 downloader：%q", name)
		}
		re, err := regexp.Compile(d.URLPattern())
		if err != nil || d.URLPattern() == "" {
			return Registry{}, fmt.Errorf("downloader %q 的 URL 形态无效：%v", name, err)
		}
		byName[name] = d
		shapes[name] = re
	}
	return Registry{byName: byName, shapes: shapes}, nil
}

func (r Registry) Get(name string) (Downloader, bool) {
	if r.byName == nil {
		return nil, false
	}
	d, ok := r.byName[normalize(name)]
	return d, ok
}

// Shape 返回平台链接的 URL 形态。
func (r Registry) Shape(name string) (*regexp.Regexp, bool) {
	if r.shapes == nil {
		return nil, false
	}
	re, ok := r.shapes[normalize(name)]
	return re, ok
}

// Names 返回已注册的平台名（字典序）。
func (r Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Download 调用指定平台的下载器。
// 未注册的平台与下载器内部的 panic 都被归类为 download_error，保证调用方只需处理 Outcome。
func (r Registry) Download(ctx context.Context, name string, req Request) (out domain.Outcome) {
	d, ok := r.Get(name)
	if !ok {
		return domain.Failure(domain.ReasonDownloadError, fmt.Sprintf("平台未注册：%q", name))
	}
	defer func() {
		if v := recover(); v != nil {
			out = domain.Failure(domain.ReasonDownloadError, fmt.Sprintf("下载器 %s panic：%v", name, v))
		}
	}()
	out = d.Download(ctx, req)
	if !out.OK && out.Reason == domain.ReasonNone {
		out.Reason = domain.ReasonDownloadError
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
