package episode

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/width"
)

// builtin 是内置的常见集数标记，按优先级排列（先匹配者胜出）：
// 中文「第N话/集/章/期」 -> SxxEyy -> E07/Episode 7 -> EP07 -> 宽松的末尾数字。
var builtin = []*regexp.Regexp{
	regexp.MustCompile(`第\s*([0-9]+)\s*[话話集章期]`),
	regexp.MustCompile(`(?i)S[0-9]{1,2}\s*E([0-9]{1,4})`),
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(?:episode\s*|e)([0-9]{1,4})(?:[^0-9]|$)`),
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])ep\.?\s*([0-9]{1,4})(?:[^0-9]|$)`),
}

// 宽松回退前先去掉方括号/圆括号里的标签（[1080p]、(WEB-DL) 这类噪音），
// 以及紧跟在集数后的版本后缀（07v2 -> 07）。
var (
	tagRE      = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|【[^】]*】|（[^）]*）`)
	versionRE  = regexp.MustCompile(`([0-9])[vV][0-9]{1,2}\b`)
	trailingRE = regexp.MustCompile(`([0-9]{1,4})[^0-9]*$`)
)

// Infer 从文件名推断集数，三级回退：
// 1) folderRE（平台级文件夹规则，可为 nil）
// 2) seriesRE（公告的集数规则重新套用到文件名，可为 nil）
// 3) 内置标记列表
//
// 推断失败返回 ok=false（不是错误）。
func Infer(name string, folderRE, seriesRE *regexp.Regexp) (int, bool) {
	if n, ok := FromPattern(folderRE, name); ok {
		return n, true
	}
	if n, ok := FromPattern(seriesRE, name); ok {
		return n, true
	}
	return Builtin(name)
}

// Builtin 只使用内置标记列表推断集数。
func Builtin(name string) (int, bool) {
	s := Fold(name)
	for _, re := range builtin {
		if n, ok := FromPattern(re, s); ok {
			return n, true
		}
	}

	base := strings.TrimSuffix(s, filepath.Ext(s))
	base = tagRE.ReplaceAllString(base, " ")
	base = versionRE.ReplaceAllString(base, "$1")
	return FromPattern(trailingRE, base)
}

// FromPattern 用 re 匹配 s，并把第一个捕获组解析为整数。
// re 为 nil、无匹配、无捕获组或解析失败都返回 ok=false。
func FromPattern(re *regexp.Regexp, s string) (int, bool) {
	if re == nil {
		return 0, false
	}
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(Fold(m[1])))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Fold 把全角数字/字母折叠为半角（「第１２话」 -> 「第12话」）。
func Fold(s string) string {
	return width.Fold.String(s)
}

// Compile 编译可选的用户正则；空串或非法正则返回 nil。
func Compile(pattern string) *regexp.Regexp {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}
