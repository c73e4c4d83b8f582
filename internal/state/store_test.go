package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/epwatch/internal/domain"
)

const sample = `{
    "anime": {
        "entries": [
            {
                "name": "Weekly Show",
                "channel_id": "c1",
                "regex": "EP(\\d+)",
                "links": {"mega": "1080p", "pixeldrain": "1080p"},
                "platforms": ["mega", "pixeldrain"],
                "last_episode": 6,
                "path": "/media/weekly"
            },
            {
                "name": "Other",
                "channel_id": "c2",
                "regex": "#(\\d+)",
                "links": {"gdrive": "HD"},
                "platforms": ["gdrive"],
                "last_episode": 1,
                "share_type": "folder",
                "platform_options": {"gdrive": {"share_type": "file", "multi_episode": true}},
                "path": "/media/other"
            }
        ]
    },
    "retry_queue": [
        {
            "entry_name": "Weekly Show",
            "episode": 7,
            "platform": "mega",
            "link": "https://mega.nz/file/x#k",
            "path": "/media/weekly",
            "channel_id": "c1",
            "attempts": 1,
            "next_retry": "2024-03-10T14:00:00Z",
            "reason": "quota_exceeded"
        }
    ]
}`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("写入样例失败：%v", err)
	}
	return path
}

func TestOpen_LoadsSectionsAndRetryQueue(t *testing.T) {
	s, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer s.Close()

	got := s.SeriesForChannel("c1")
	if len(got) != 1 || got[0].Name != "Weekly Show" || got[0].LastEpisode != 6 {
		t.Fatalf("series 不符合预期：%+v", got)
	}
	items := s.RetryItems()
	if len(items) != 1 || items[0].Reason != domain.ReasonQuotaExceeded || !items[0].NextRetry.Equal(time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("重试队列不符合预期：%+v", items)
	}

	other, ok := s.Entry("Other")
	if !ok {
		t.Fatalf("期望找到 Other")
	}
	opts := other.Options("gdrive")
	if opts.ShareType != domain.ShareFile || !opts.MultiEpisode {
		t.Fatalf("平台覆盖应优先：%+v", opts)
	}
}

func TestOpen_MissingFileIsEmptyDocument(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nested", "settings.json"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer s.Close()
	if len(s.Snapshot().Sections) != 0 || len(s.RetryItems()) != 0 {
		t.Fatalf("期望空文档")
	}
}

func TestOpen_SecondWriterIsLocked(t *testing.T) {
	path := writeSample(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer s.Close()

	if _, err := Open(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("期望 ErrLocked，实际 %v", err)
	}
	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("只读打开不应受锁影响：%v", err)
	}
	if err := ro.Update(func(doc *Document) error { return nil }); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("期望 ErrReadOnly，实际 %v", err)
	}
}

func TestAdvanceEpisode_MonotonicAndPersisted(t *testing.T) {
	path := writeSample(t)
	s, err := Open(path)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	if changed, err := s.AdvanceEpisode("Weekly Show", 8); err != nil || !changed {
		t.Fatalf("期望推进到 8：changed=%v err=%v", changed, err)
	}
	if changed, err := s.AdvanceEpisode("Weekly Show", 7); err != nil || changed {
		t.Fatalf("不应回退：changed=%v err=%v", changed, err)
	}
	if _, err := s.AdvanceEpisode("missing", 1); err == nil {
		t.Fatalf("不存在的 series 应报错")
	}
	_ = s.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取失败：%v", err)
	}
	if !strings.Contains(string(b), `"last_episode": 8`) {
		t.Fatalf("期望落盘 last_episode=8（4 空格缩进）：%s", string(b))
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("重新打开失败：%v", err)
	}
	defer reopened.Close()
	if e, _ := reopened.Entry("Weekly Show"); e.LastEpisode != 8 {
		t.Fatalf("期望 8，实际 %d", e.LastEpisode)
	}
}

func TestUpdate_WriteFailureKeepsMemory(t *testing.T) {
	s, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer s.Close()

	old := writeFunc
	writeFunc = func(dir, name string, data []byte, perm os.FileMode) error { return os.ErrPermission }
	defer func() { writeFunc = old }()

	if _, err := s.AdvanceEpisode("Weekly Show", 9); err == nil {
		t.Fatalf("期望写盘失败")
	}
	if e, _ := s.Entry("Weekly Show"); e.LastEpisode != 6 {
		t.Fatalf("写盘失败时内存文档不应改变，实际 %d", e.LastEpisode)
	}
}

func TestAppendRetry_Dedupe(t *testing.T) {
	s, err := Open(writeSample(t))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	defer s.Close()

	dup := domain.RetryItem{EntryName: "Weekly Show", Episode: 7, Platform: "mega", Attempts: 1}
	appendRetry := func(item domain.RetryItem) bool {
		added := false
		if err := s.Update(func(doc *Document) error {
			added = doc.AppendRetry(item)
			return nil
		}); err != nil {
			t.Fatalf("不期望错误：%v", err)
		}
		return added
	}
	if appendRetry(dup) {
		t.Fatalf("同一目标不应重复追加")
	}
	dup.Platform = "pixeldrain"
	if !appendRetry(dup) {
		t.Fatalf("不同平台应追加")
	}
	if n := len(s.RetryItems()); n != 2 {
		t.Fatalf("期望 2 条，实际 %d", n)
	}
}

func TestDocument_RoundTripKeepsShape(t *testing.T) {
	doc := NewDocument()
	if err := doc.UnmarshalJSON([]byte(sample)); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := doc.Encode()
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"anime": {`) || !strings.Contains(s, `"retry_queue": [`) {
		t.Fatalf("文档结构不符合预期：%s", s)
	}
	if !strings.Contains(s, `"next_retry": "2024-03-10T14:00:00Z"`) {
		t.Fatalf("next_retry 应为 ISO 时间：%s", s)
	}
}

func TestDocument_Validate(t *testing.T) {
	doc := NewDocument()
	doc.Sections["x"] = &Section{Entries: []domain.SeriesEntry{
		{Name: "a", ChannelID: "c", Regex: `EP\d+`, Platforms: []string{"mega"}, Path: "/p"},
		{Name: "a", ChannelID: "", Regex: `(`, Path: ""},
	}}
	err := doc.Validate()
	if err == nil {
		t.Fatalf("期望校验失败")
	}
	msg := err.Error()
	for _, want := range []string{"捕获组", "名称重复", "channel_id", "path", "regex 无效", "platforms"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("期望错误包含 %q：%s", want, msg)
		}
	}

	keys := NewDocument()
	keys.Sections["x"] = &Section{Entries: []domain.SeriesEntry{{
		Name:            "k",
		ChannelID:       "c",
		Regex:           `EP(\d+)`,
		Path:            "/p",
		Platforms:       []string{"Pixeldrain"},
		Links:           map[string]string{"pixeldrain": "1080p", "PixelDrain": "720p", "mega": "1080p"},
		PlatformOptions: map[string]domain.PlatformOverride{"gdrive": {}},
	}}}
	msg = keys.Validate().Error()
	for _, want := range []string{`links 中的 "mega" 不在 platforms 中`, `platform_options 中的 "gdrive" 不在 platforms 中`, "仅大小写不同"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("期望错误包含 %q：%s", want, msg)
		}
	}
	if strings.Contains(msg, `"pixeldrain" 不在`) {
		t.Fatalf("大小写不同的 key 应视为同一平台：%s", msg)
	}

	ok := NewDocument()
	ok.Sections["x"] = &Section{Entries: []domain.SeriesEntry{{Name: "a", ChannelID: "c", Regex: `EP(\d+)`, Platforms: []string{"mega"}, Path: "/p"}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
}
