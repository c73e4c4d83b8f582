package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/logging"
)

// Source 逐条产出公告。Next 在数据源正常结束时返回 io.EOF。
type Source interface {
	Next(ctx context.Context) (domain.Announcement, error)
	Close() error
}

// 单行上限：公告正文通常很短，但 markdown 链接可能很长。
const maxLine = 1 << 20

type line struct {
	ann domain.Announcement
	err error
}

// LineSource 从 JSON Lines 读取公告：每行一个 {"channel_id": "...", "content": "..."}。
// 空行与无法解析的行会被跳过（记录日志），不会中断数据源。
type LineSource struct {
	r      io.Reader
	closer io.Closer
	log    *slog.Logger
	ch     chan line
	done   chan struct{}
}

// NewLineSource 从 r 读取公告；读取在后台 goroutine 中进行，以便 Next 能响应 ctx 取消。
func NewLineSource(r io.Reader, log *slog.Logger) *LineSource {
	if log == nil {
		log = logging.NewNop()
	}
	s := &LineSource{r: r, log: log, ch: make(chan line), done: make(chan struct{})}
	if c, ok := r.(io.Closer); ok && r != os.Stdin {
		s.closer = c
	}
	go s.read()
	return s
}

// OpenLineSource 打开 path 指向的 JSON Lines 文件；"-" 表示 stdin。
func OpenLineSource(path string, log *slog.Logger) (*LineSource, error) {
	if strings.TrimSpace(path) == "" || path == "-" {
		return NewLineSource(os.Stdin, log), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开公告源失败：%w", err)
	}
	return NewLineSource(f, log), nil
}

func (s *LineSource) read() {
	defer close(s.ch)
	sc := bufio.NewScanner(s.r)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	n := 0
	for sc.Scan() {
		n++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var ann domain.Announcement
		if err := json.Unmarshal([]byte(raw), &ann); err != nil {
			s.log.Warn("跳过无法解析的公告行", "line", n, "error", err)
			continue
		}
		if strings.TrimSpace(ann.ChannelID) == "" {
			s.log.Warn("跳过缺少 channel_id 的公告行", "line", n)
			continue
		}
		select {
		case s.ch <- line{ann: ann}:
		case <-s.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		select {
		case s.ch <- line{err: err}:
		case <-s.done:
		}
	}
}

func (s *LineSource) Next(ctx context.Context) (domain.Announcement, error) {
	select {
	case <-ctx.Done():
		return domain.Announcement{}, ctx.Err()
	case l, ok := <-s.ch:
		if !ok {
			return domain.Announcement{}, io.EOF
		}
		return l.ann, l.err
	}
}

func (s *LineSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
