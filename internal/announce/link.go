package announce

import (
	"regexp"
	"strings"
)

// 标签两侧允许出现的 markdown 强调/空白字符。
const emphasis = `[\s*_~]*`

// ExtractLink 从公告文本中提取 label 对应的平台链接。
//
// 匹配顺序：
// 1) markdown 链接 `[label](<url>)`，label 两侧允许 `**`、`_`、`~` 以及一层方括号（例如 `[**[1080p]**](<url>)`）
// 2) 文本中出现了 label 字面量，但旁边没有格式化链接：取文本中第一个符合 shape 的 URL
//
// 大小写不敏感；任何正则构造失败都视为“未找到”。
func ExtractLink(text, label string, shape *regexp.Regexp) (string, bool) {
	if shape == nil {
		return "", false
	}
	label = trimLabel(label)
	if label == "" || strings.TrimSpace(text) == "" {
		return "", false
	}

	md, err := regexp.Compile(`(?i)\[` + emphasis + `\[?` + emphasis + regexp.QuoteMeta(label) + emphasis + `\]?` + emphasis + `\]\s*\(\s*<?(` + shape.String() + `)>?\s*\)`)
	if err == nil {
		if m := md.FindStringSubmatch(text); len(m) >= 2 && m[1] != "" {
			return m[1], true
		}
	}

	if !strings.Contains(strings.ToLower(text), strings.ToLower(label)) {
		return "", false
	}
	anyURL, err := regexp.Compile(`(?i)` + shape.String())
	if err != nil {
		return "", false
	}
	if u := anyURL.FindString(text); u != "" {
		return u, true
	}
	return "", false
}

// trimLabel 去掉配置里可能带上的方括号与强调符（"**[1080p]**" -> "1080p"）。
func trimLabel(label string) string {
	return strings.Trim(strings.TrimSpace(label), "[]*_~ \t")
}
