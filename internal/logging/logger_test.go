package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_AutoFormatFallsBackToJSONForNonTTY(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "auto", Stderr: &buf})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer closer()

	NewComponentLogger(logger, "watch").Info("处理公告", FieldSeries, "s1", FieldEpisode, 7)
	logger.Debug("不应输出")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("期望 1 行日志，实际 %d：%q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("期望 json 行：%v", err)
	}
	if m["component"] != "watch" || m["series"] != "s1" || m["level"] != "info" {
		t.Fatalf("字段不符合预期：%v", m)
	}
	if _, ok := m["ts"]; !ok {
		t.Fatalf("期望 ts 字段：%v", m)
	}
}

func TestNew_FileTee(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "epwatch.log")
	logger, closer, err := New(Options{Level: "debug", Format: "console", File: path, Stderr: &buf})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	logger.Debug("hello", FieldPlatform, "mega")
	if err := closer(); err != nil {
		t.Fatalf("关闭日志文件失败：%v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败：%v", err)
	}
	if !strings.Contains(string(b), `"platform":"mega"`) {
		t.Fatalf("日志文件缺少字段：%q", string(b))
	}
	if !strings.Contains(buf.String(), "platform=mega") {
		t.Fatalf("console 输出缺少字段：%q", buf.String())
	}
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	if _, _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatalf("期望错误，但得到 nil")
	}
}

func TestNewNop_Discards(t *testing.T) {
	if NewNop().Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("no-op logger 不应启用任何级别")
	}
}
