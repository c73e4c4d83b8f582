package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/John-Robertt/epwatch/internal/infra/fsx"
)

// Store 提供 <cache_dir>/pages/ 下的原始页面转储读写。
//
// 约束：
// - 只在文件夹列表解析失败时写入（用于事后排查页面结构变化）
// - Root 为空表示禁用：写入静默跳过，读取总是未命中
type Store struct {
	Root     string
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	root = strings.TrimSpace(root)
	if root != "" {
		root = filepath.Clean(root)
	}
	return Store{Root: root, ReadOnly: readOnly}
}

// Enabled 表示是否配置了缓存目录。
func (s Store) Enabled() bool { return s.Root != "" }

// PagePath 返回某个平台页面转储的绝对路径。
func (s Store) PagePath(platform, id string) (string, error) {
	p, err := cleanSegment("platform", platform)
	if err != nil {
		return "", err
	}
	i, err := cleanSegment("id", id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "pages", p, i+".html"), nil
}

func (s Store) ReadPage(platform, id string) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}
	path, err := s.PagePath(platform, id)
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s Store) WritePage(platform, id string, page []byte) error {
	if !s.Enabled() {
		return nil
	}
	if s.ReadOnly {
		return ErrReadOnly
	}
	path, err := s.PagePath(platform, id)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(path), filepath.Base(path), page, 0o644)
}

var segmentRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func cleanSegment(kind, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%s 不能为空", kind)
	}
	// 最小约束：避免路径穿越；平台名与文件 id 都是 URL 安全字符。
	if !segmentRE.MatchString(v) {
		return "", fmt.Errorf("非法 %s：%q", kind, v)
	}
	return strings.ToLower(v), nil
}
