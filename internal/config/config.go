package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

// FileName 是未指定 --config 时在当前目录查找的配置文件名。
const FileName = "epwatch.toml"

// Duration 让 TOML 中的 "4h"/"20s" 直接解析为 time.Duration。
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Retry struct {
	MaxAttempts  int      `toml:"max_attempts"`
	QuotaBackoff Duration `toml:"quota_backoff"`
	ErrorBackoff Duration `toml:"error_backoff"`
}

type HTTP struct {
	Timeout           Duration `toml:"timeout"`
	HeaderTimeout     Duration `toml:"header_timeout"`
	ProxyURL          string   `toml:"proxy_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	RetryMax          int      `toml:"retry_max"`
}

type Folder struct {
	MaxAge    Duration `toml:"max_age"`
	ChunkSize int      `toml:"chunk_size"`
}

type Mega struct {
	Binary  string   `toml:"binary"`
	Timeout Duration `toml:"timeout"`
}

type Pixeldrain struct {
	BaseURL string `toml:"base_url"`
}

type GDrive struct {
	BaseURL    string `toml:"base_url"`
	ContentURL string `toml:"content_url"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

type Gateway struct {
	Source       string   `toml:"source"`
	RestartDelay Duration `toml:"restart_delay"`
}

// Config 是守护进程的完整配置。series 定义不在这里，而在 StatePath 指向的状态文档中。
type Config struct {
	StatePath   string `toml:"state_path"`
	HistoryPath string `toml:"history_path"`
	CacheDir    string `toml:"cache_dir"`

	Retry      Retry      `toml:"retry"`
	HTTP       HTTP       `toml:"http"`
	Folder     Folder     `toml:"folder"`
	Mega       Mega       `toml:"mega"`
	Pixeldrain Pixeldrain `toml:"pixeldrain"`
	GDrive     GDrive     `toml:"gdrive"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
	Gateway    Gateway    `toml:"gateway"`
}

// Default 返回内置默认配置。
func Default() Config {
	return Config{
		StatePath:   "settings.json",
		HistoryPath: "history.db",
		CacheDir:    "cache",
		Retry: Retry{
			MaxAttempts:  5,
			QuotaBackoff: Duration(4 * time.Hour),
			ErrorBackoff: Duration(time.Hour),
		},
		HTTP: HTTP{
			Timeout:           Duration(20 * time.Second),
			HeaderTimeout:     Duration(30 * time.Second),
			RequestsPerSecond: 2,
			RetryMax:          2,
		},
		Folder: Folder{
			MaxAge:    Duration(7 * 24 * time.Hour),
			ChunkSize: 1 << 20,
		},
		Mega: Mega{
			Binary:  "mega-get",
			Timeout: Duration(2 * time.Hour),
		},
		Pixeldrain: Pixeldrain{BaseURL: "https://pixeldrain.com"},
		GDrive: GDrive{
			BaseURL:    "https://drive.google.com",
			ContentURL: "https://drive.usercontent.google.com",
		},
		Logging: Logging{Level: "info", Format: "auto"},
		Gateway: Gateway{Source: "-", RestartDelay: Duration(10 * time.Second)},
	}
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Load 发现并读取配置文件，返回最终配置与实际使用的配置文件路径（未使用文件时为空串）。
//
// 发现规则（固定）：
// 1) path 非空：必须存在，否则 config_not_found
// 2) path 为空：读取 <cwd>/epwatch.toml（可选），不存在时使用内置默认值
//
// 配置中的相对路径相对于配置文件所在目录（无配置文件时相对于 cwd）。
func Load(cwd, path string) (Config, string, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return Config{}, "", &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	cfgPath := ""
	if strings.TrimSpace(path) != "" {
		cfgPath = absFrom(cwdAbs, path)
		if _, err := os.Stat(cfgPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, "", &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: err}
			}
			return Config{}, "", &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	} else {
		candidate := filepath.Join(cwdAbs, FileName)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			cfgPath = candidate
		}
	}

	cfg := Default()
	base := cwdAbs
	if cfgPath != "" {
		if err := decodeFile(cfgPath, &cfg); err != nil {
			return Config{}, "", &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		base = filepath.Dir(cfgPath)
	}

	cfg.resolvePaths(base)
	if err := cfg.Validate(); err != nil {
		return Config{}, "", &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	return cfg, cfgPath, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("未知字段：%s", strict.String())
		}
		return err
	}
	return nil
}

func (c *Config) resolvePaths(base string) {
	c.StatePath = optionalAbs(base, c.StatePath)
	c.HistoryPath = optionalAbs(base, c.HistoryPath)
	c.CacheDir = optionalAbs(base, c.CacheDir)
	c.Logging.File = optionalAbs(base, c.Logging.File)
	if s := strings.TrimSpace(c.Gateway.Source); s != "" && s != "-" {
		c.Gateway.Source = absFrom(base, s)
	}
}

// Validate 检查配置取值；所有问题合并为一个 error 返回。
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.StatePath) == "" {
		errs = append(errs, errors.New("state_path 不能为空"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts 必须 >= 1，实际 %d", c.Retry.MaxAttempts))
	}
	if c.Retry.QuotaBackoff.D() <= 0 || c.Retry.ErrorBackoff.D() <= 0 {
		errs = append(errs, errors.New("retry.quota_backoff / retry.error_backoff 必须为正数"))
	}
	if c.HTTP.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("http.requests_per_second 不能为负数"))
	}
	if p := strings.TrimSpace(c.HTTP.ProxyURL); p != "" {
		if err := validateHTTPURL(p); err != nil {
			errs = append(errs, fmt.Errorf("http.proxy_url 无效：%w", err))
		}
	}
	if c.Folder.ChunkSize < 0 {
		errs = append(errs, errors.New("folder.chunk_size 不能为负数"))
	}
	if strings.TrimSpace(c.Mega.Binary) == "" {
		errs = append(errs, errors.New("mega.binary 不能为空"))
	}
	for name, u := range map[string]string{
		"pixeldrain.base_url": c.Pixeldrain.BaseURL,
		"gdrive.base_url":     c.GDrive.BaseURL,
		"gdrive.content_url":  c.GDrive.ContentURL,
	} {
		if err := validateHTTPURL(u); err != nil {
			errs = append(errs, fmt.Errorf("%s 无效：%w", name, err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "auto", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format 只能是 auto/console/json，实际 %q", c.Logging.Format))
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level 无效：%q", c.Logging.Level))
	}
	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("只支持 http/https：%q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("缺少 host：%q", raw)
	}
	return nil
}

// optionalAbs 把相对路径解析为 base 下的绝对路径；空串表示禁用，保持为空。
func optionalAbs(base, p string) string {
	if strings.TrimSpace(p) == "" {
		return ""
	}
	return absFrom(base, p)
}

func absFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p)
}
