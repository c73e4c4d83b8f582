package announce

import (
	"regexp"
	"testing"

	"github.com/John-Robertt/epwatch/internal/domain"
)

var (
	pixelShape = regexp.MustCompile(`https://pixeldrain\.com/[^\s<>()\[\]]+`)
	megaShape  = regexp.MustCompile(`https://mega\.nz/[^\s<>()\[\]]+`)
)

type stubShapes map[string]*regexp.Regexp

func (s stubShapes) Shape(name string) (*regexp.Regexp, bool) {
	re, ok := s[name]
	return re, ok
}

func TestExtractLink_EmphasisWrappedLabel(t *testing.T) {
	text := "新一集 EP07 上线 [**[1080p]**](<https://pixeldrain.com/u/abcd1234>)"
	got, ok := ExtractLink(text, "1080p", pixelShape)
	if !ok {
		t.Fatalf("期望提取到链接")
	}
	if got != "https://pixeldrain.com/u/abcd1234" {
		t.Fatalf("链接不符合预期：%q", got)
	}
}

func TestExtractLink_PlainMarkdownAndCaseInsensitive(t *testing.T) {
	text := "[720P](https://mega.nz/file/aaa#k1) [1080P](https://mega.nz/file/bbb#k2)"
	got, ok := ExtractLink(text, "1080p", megaShape)
	if !ok || got != "https://mega.nz/file/bbb#k2" {
		t.Fatalf("期望 bbb 链接，实际 %q ok=%v", got, ok)
	}
}

func TestExtractLink_ConfiguredLabelWithBrackets(t *testing.T) {
	text := "[**[1080p]**](<https://mega.nz/file/ccc#k>)"
	got, ok := ExtractLink(text, "[1080p]", megaShape)
	if !ok || got != "https://mega.nz/file/ccc#k" {
		t.Fatalf("带方括号的标签也应匹配，实际 %q ok=%v", got, ok)
	}
}

func TestExtractLink_FallbackToFirstURL(t *testing.T) {
	text := "1080p 版本见下\nhttps://mega.nz/file/first#k\nhttps://mega.nz/file/second#k"
	got, ok := ExtractLink(text, "1080p", megaShape)
	if !ok || got != "https://mega.nz/file/first#k" {
		t.Fatalf("期望回退到第一个链接，实际 %q ok=%v", got, ok)
	}
}

func TestExtractLink_LabelAbsent(t *testing.T) {
	text := "[720p](https://mega.nz/file/aaa#k)"
	if got, ok := ExtractLink(text, "1080p", megaShape); ok {
		t.Fatalf("标签不存在时不应返回链接，实际 %q", got)
	}
}

func TestExtractLink_WrongPlatformShape(t *testing.T) {
	text := "[1080p](<https://example.com/x>)"
	if got, ok := ExtractLink(text, "1080p", megaShape); ok {
		t.Fatalf("URL 形态不符时不应返回链接，实际 %q", got)
	}
}

func TestProcessor_ExtractEpisode(t *testing.T) {
	p := NewProcessor(domain.SeriesEntry{Name: "s", Regex: `EP(\d+)`, LastEpisode: 6}, nil)
	if p.Err() != nil {
		t.Fatalf("不期望错误：%v", p.Err())
	}

	if got, ok := p.ExtractEpisode("更新 EP07"); !ok || got != 7 {
		t.Fatalf("期望 7，实际 %d ok=%v", got, ok)
	}
	if _, ok := p.ExtractEpisode("更新 EP06"); ok {
		t.Fatalf("不大于 last_episode 的集数不应返回")
	}
	if _, ok := p.ExtractEpisode("没有集数"); ok {
		t.Fatalf("不匹配时应返回 ok=false")
	}
}

func TestProcessor_InvalidOrGrouplessRegex(t *testing.T) {
	bad := NewProcessor(domain.SeriesEntry{Name: "s", Regex: `EP(`}, nil)
	if bad.Err() == nil {
		t.Fatalf("非法正则应记录错误")
	}
	if _, ok := bad.ExtractEpisode("EP07"); ok {
		t.Fatalf("非法正则不应返回集数")
	}

	noGroup := NewProcessor(domain.SeriesEntry{Name: "s", Regex: `EP\d+`}, nil)
	if _, ok := noGroup.ExtractEpisode("EP07"); ok {
		t.Fatalf("无捕获组时不应返回集数")
	}

	overflow := NewProcessor(domain.SeriesEntry{Name: "s", Regex: `EP(\d+)`}, nil)
	if _, ok := overflow.ExtractEpisode("EP99999999999999999999999"); ok {
		t.Fatalf("整数溢出应视为不匹配")
	}
}

func TestProcessor_FindPlatformLinks(t *testing.T) {
	entry := domain.SeriesEntry{
		Name:      "s",
		Regex:     `EP(\d+)`,
		Platforms: []string{"mega", "pixeldrain", "gdrive"},
		Links:     map[string]string{"mega": "1080p", "pixeldrain": "1080p", "gdrive": ""},
	}
	p := NewProcessor(entry, stubShapes{"mega": megaShape, "pixeldrain": pixelShape})

	text := "EP07 [**[1080p]**](<https://pixeldrain.com/u/abcd1234>)"
	links := p.FindPlatformLinks(text)

	if got := links["pixeldrain"]; got != "https://pixeldrain.com/u/abcd1234" {
		t.Fatalf("pixeldrain 链接不符合预期：%q", got)
	}
	if _, ok := links["mega"]; ok {
		t.Fatalf("文本中没有 mega 链接，不应出现在结果里：%+v", links)
	}
	if _, ok := links["gdrive"]; ok {
		t.Fatalf("gdrive 未配置标签，不应出现在结果里：%+v", links)
	}
}
