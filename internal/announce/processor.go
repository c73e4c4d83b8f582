package announce

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/episode"
)

// Shapes 提供各平台链接的 URL 形态（由平台注册表实现）。
type Shapes interface {
	Shape(platform string) (*regexp.Regexp, bool)
}

// Processor 包装一个 SeriesEntry 的配置，把公告文本变成“新集数 + 平台链接”。
//
// 约束：Processor 是只读的；last_episode 的推进由编排层负责。
type Processor struct {
	entry  domain.SeriesEntry
	re     *regexp.Regexp
	reErr  error
	shapes Shapes
}

func NewProcessor(entry domain.SeriesEntry, shapes Shapes) *Processor {
	p := &Processor{entry: entry, shapes: shapes}
	pattern := strings.TrimSpace(entry.Regex)
	if pattern == "" {
		p.reErr = fmt.Errorf("series %q 未配置 regex", entry.Name)
		return p
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		p.reErr = fmt.Errorf("series %q 的 regex 无效：%w", entry.Name, err)
		return p
	}
	p.re = re
	return p
}

// Err 返回集数正则的编译错误（nil 表示可用）。
func (p *Processor) Err() error { return p.reErr }

func (p *Processor) Entry() domain.SeriesEntry { return p.entry }

// Regexp 返回已编译的集数正则（不可用时为 nil）。
func (p *Processor) Regexp() *regexp.Regexp { return p.re }

// ExtractEpisode 用 series 的 regex 提取集数，只有严格大于 last_episode 才返回。
// 不匹配/解析失败/不是新集数都返回 ok=false，不报错。
func (p *Processor) ExtractEpisode(text string) (int, bool) {
	n, ok := episode.FromPattern(p.re, text)
	if !ok {
		return 0, false
	}
	if n <= p.entry.LastEpisode {
		return 0, false
	}
	return n, true
}

// FindPlatformLinks 按平台优先级为每个配置了标签的平台提取链接；没找到的平台不出现在结果里。
func (p *Processor) FindPlatformLinks(text string) map[string]string {
	out := make(map[string]string, len(p.entry.Platforms))
	for _, name := range p.entry.Platforms {
		label, ok := p.entry.Label(name)
		if !ok {
			continue
		}
		if p.shapes == nil {
			continue
		}
		shape, ok := p.shapes.Shape(name)
		if !ok {
			continue
		}
		if link, ok := ExtractLink(text, label, shape); ok {
			out[name] = link
		}
	}
	return out
}

// Options 返回 platform 的生效下载选项（override > entry 默认值）。
func (p *Processor) Options(platform string) domain.PlatformOptions {
	return p.entry.Options(platform)
}
