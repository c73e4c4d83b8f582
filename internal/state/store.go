package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/fsx"
)

var (
	// ErrLocked 表示另一个进程正持有状态文档的写锁。
	ErrLocked = errors.New("state: 状态文档正被另一个进程使用")
	// ErrReadOnly 表示以只读方式打开的 Store 不允许修改。
	ErrReadOnly = errors.New("state: read-only")
)

// 通过可替换的函数指针，让测试能模拟写盘失败。
var writeFunc = fsx.WriteFileAtomic

// Store 是状态文档的唯一写入口。
//
// 约束：
// - 同一时刻只有一个进程可写（flock：<path>.lock）
// - 每次修改都是 copy-on-write：回调在副本上修改，落盘成功后才替换内存中的文档
// - 落盘走临时文件 + rename，进程中断不会留下半截文档
type Store struct {
	path     string
	lock     *flock.Flock
	readOnly bool

	mu  sync.Mutex
	doc *Document
}

// Open 以可写方式打开状态文档（文件不存在时视为空文档）。
func Open(path string) (*Store, error) {
	path = filepath.Clean(path)
	if err := fsx.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	doc, err := load(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &Store{path: path, lock: lock, doc: doc}, nil
}

// OpenReadOnly 不加锁地读取状态文档（用于 queue list / history / check）。
func OpenReadOnly(path string) (*Store, error) {
	path = filepath.Clean(path)
	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, doc: doc, readOnly: true}, nil
}

func load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, err
	}
	doc := NewDocument()
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("解析状态文档失败（%s）：%w", path, err)
	}
	return doc, nil
}

func (s *Store) Path() string { return s.path }

// Close 释放写锁。
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Snapshot 返回当前文档的深拷贝。
func (s *Store) Snapshot() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Update 在文档副本上执行 fn 并整体落盘；fn 返回 error 或落盘失败时内存文档保持不变。
func (s *Store) Update(fn func(doc *Document) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.Clone()
	if err := fn(next); err != nil {
		return err
	}
	b, err := next.Encode()
	if err != nil {
		return err
	}
	if err := writeFunc(filepath.Dir(s.path), filepath.Base(s.path), b, 0o644); err != nil {
		return fmt.Errorf("保存状态文档失败：%w", err)
	}
	s.doc = next
	return nil
}

func (s *Store) SeriesForChannel(channelID string) []domain.SeriesEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.SeriesForChannel(channelID)
}

func (s *Store) Entry(name string) (domain.SeriesEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.doc.Entry(name)
	if !ok {
		return domain.SeriesEntry{}, false
	}
	return e.Clone(), true
}

// AdvanceEpisode 单调推进 last_episode；没有变化时不落盘。
func (s *Store) AdvanceEpisode(name string, episode int) (bool, error) {
	changed := false
	err := s.Update(func(doc *Document) error {
		c, err := doc.AdvanceEpisode(name, episode)
		changed = c
		if err == nil && !c {
			return errUnchanged
		}
		return err
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	return changed, err
}

func (s *Store) RetryItems() []domain.RetryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RetryItem(nil), s.doc.Retry...)
}

// errUnchanged 让 Update 放弃这次无变化的写盘。
var errUnchanged = errors.New("state: unchanged")
