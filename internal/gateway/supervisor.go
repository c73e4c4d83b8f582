package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/logging"
)

const DefaultRestartDelay = 10 * time.Second

// Handler 处理一条公告。
type Handler func(ctx context.Context, ann domain.Announcement)

// Supervisor 是最外层的驱动循环：
// - 逐条读取公告并串行交给 Handler（处理完一条才读下一条）
// - Handler panic 只影响当前公告：记录日志后继续
// - 数据源出错时关闭并在 RestartDelay 后重新打开；io.EOF 表示正常结束
type Supervisor struct {
	Open         func(ctx context.Context) (Source, error)
	Handle       Handler
	RestartDelay time.Duration
	Logger       *slog.Logger

	// sleep 允许测试跳过真实等待。
	sleep func(ctx context.Context, d time.Duration) error
}

// Run 阻塞直到数据源结束或 ctx 取消。
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Open == nil || s.Handle == nil {
		return errors.New("gateway: Open/Handle 不能为空")
	}
	for {
		src, err := s.Open(ctx)
		if err != nil {
			s.logger().Error("打开公告源失败，稍后重试", "error", err, "delay", s.delay().String())
			if err := s.wait(ctx); err != nil {
				return err
			}
			continue
		}

		err = s.consume(ctx, src)
		_ = src.Close()
		switch {
		case err == nil || errors.Is(err, io.EOF):
			s.logger().Info("公告源已结束")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		s.logger().Error("公告源中断，稍后重连", "error", err, "delay", s.delay().String())
		if err := s.wait(ctx); err != nil {
			return err
		}
	}
}

func (s *Supervisor) consume(ctx context.Context, src Source) error {
	for {
		ann, err := src.Next(ctx)
		if err != nil {
			return err
		}
		if ann.ID == "" {
			ann.ID = uuid.NewString()
		}
		s.safeHandle(ctx, ann)
	}
}

func (s *Supervisor) safeHandle(ctx context.Context, ann domain.Announcement) {
	defer func() {
		if v := recover(); v != nil {
			s.logger().Error("处理公告时发生 panic，已跳过",
				"announcement", ann.ID,
				"channel_id", ann.ChannelID,
				"panic", fmt.Sprint(v),
			)
		}
	}()
	s.Handle(ctx, ann)
}

func (s *Supervisor) wait(ctx context.Context) error {
	if s.sleep != nil {
		return s.sleep(ctx, s.delay())
	}
	t := time.NewTimer(s.delay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Supervisor) delay() time.Duration {
	if s.RestartDelay <= 0 {
		return DefaultRestartDelay
	}
	return s.RestartDelay
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger == nil {
		return logging.NewNop()
	}
	return s.Logger
}
