package mega

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/John-Robertt/epwatch/internal/domain"
	"github.com/John-Robertt/epwatch/internal/infra/fsx"
	"github.com/John-Robertt/epwatch/internal/logging"
	"github.com/John-Robertt/epwatch/internal/platform"
)

const (
	Name = "mega"

	defaultBinary  = "mega-get"
	defaultTimeout = 2 * time.Hour

	// quotaFlag 让 mega-get 在额度警告时不进入交互等待，而是直接失败退出。
	quotaFlag = "--ignore-quota-warn"
)

// quotaRE 匹配 mega-get 诊断输出中的额度/限流提示。
var quotaRE = regexp.MustCompile(`(?i)quota|bandwidth|transfer limit|over.?limit|limit (?:reached|exceeded)`)

// Runner 抽象外部命令执行，便于测试替换。
// output 是合并后的 stdout+stderr；err 非 nil 表示非零退出或启动失败。
type Runner interface {
	Run(ctx context.Context, dir, binary string, args []string) (output []byte, err error)
}

type commandRunner struct{}

func (commandRunner) Run(ctx context.Context, dir, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Downloader 把传输委托给 mega-get，只根据退出码与诊断文本分类结果。
type Downloader struct {
	Binary  string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

func (Downloader) Name() string { return Name }

func (Downloader) URLPattern() string { return `https://mega\.nz/[^\s<>()\[\]]+` }

func (d Downloader) Download(ctx context.Context, req platform.Request) domain.Outcome {
	if strings.TrimSpace(req.Link) == "" {
		return domain.Failure(domain.ReasonInvalidLink, "链接为空")
	}
	if err := fsx.EnsureDir(req.Dest); err != nil {
		return domain.Failure(domain.ReasonDownloadError, err.Error())
	}

	before, err := snapshot(req.Dest)
	if err != nil {
		return domain.Failure(domain.ReasonDownloadError, err.Error())
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.runner().Run(runCtx, req.Dest, d.binary(), []string{quotaFlag, req.Link, req.Dest})
	if err != nil {
		return classify(runCtx, out, err)
	}

	added, err := newEntries(req.Dest, before)
	if err != nil {
		d.logger().Warn("读取下载目录失败", logging.FieldSeries, req.Series, "error", err)
	}
	for _, p := range added {
		if err := chmodTree(p); err != nil {
			d.logger().Warn("设置文件权限失败", "path", p, "error", err)
		}
	}

	name := domain.UnknownFilename
	if len(added) == 1 {
		name = filepath.Base(added[0])
	}
	return domain.Success(name)
}

// classify 把失败的执行归类：超时 -> timeout，额度提示 -> quota_exceeded，其它 -> download_error。
func classify(ctx context.Context, output []byte, err error) domain.Outcome {
	detail := tail(output, 400)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Failure(domain.ReasonTimeout, "mega-get 超时："+detail)
	}
	if quotaRE.Match(output) {
		return domain.Failure(domain.ReasonQuotaExceeded, detail)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return domain.Failure(domain.ReasonDownloadError, fmt.Sprintf("mega-get 退出码 %d：%s", exitErr.ExitCode(), detail))
	}
	return domain.Failure(domain.ReasonDownloadError, strings.TrimSpace(err.Error()+" "+detail))
}

func tail(b []byte, n int) string {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

func snapshot(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[e.Name()] = struct{}{}
	}
	return out, nil
}

// newEntries 返回 dir 中不在 before 里的条目（忽略隐藏的临时文件）。
func newEntries(dir string, before map[string]struct{}) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if _, ok := before[e.Name()]; ok || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// chmodTree 把新下载的文件（或文件夹里的所有文件）设为 fsx.DownloadPerm。
func chmodTree(root string) error {
	return filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.Type().IsRegular() {
			return os.Chmod(p, fsx.DownloadPerm)
		}
		return nil
	})
}

func (d Downloader) binary() string {
	if b := strings.TrimSpace(d.Binary); b != "" {
		return b
	}
	return defaultBinary
}

func (d Downloader) runner() Runner {
	if d.Runner == nil {
		return commandRunner{}
	}
	return d.Runner
}

func (d Downloader) logger() *slog.Logger {
	if d.Logger == nil {
		return logging.NewNop()
	}
	return d.Logger
}
