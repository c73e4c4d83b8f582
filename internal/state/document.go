package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/John-Robertt/epwatch/internal/domain"
)

// RetrySection 是文档中保存重试队列的保留 key。
const RetrySection = "retry_queue"

// Section 是一组 series（通常按来源分组，例如一个频道服务器一个 section）。
type Section struct {
	Entries []domain.SeriesEntry `json:"entries"`
}

// Document 是持久化的单一文档：section 名 -> Section，外加保留 key 下的重试队列。
type Document struct {
	Sections map[string]*Section
	Retry    []domain.RetryItem
}

func NewDocument() *Document {
	return &Document{Sections: map[string]*Section{}}
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := NewDocument()
	for name, v := range raw {
		if name == RetrySection {
			if err := json.Unmarshal(v, &out.Retry); err != nil {
				return fmt.Errorf("%s: %w", RetrySection, err)
			}
			continue
		}
		var sec Section
		if err := json.Unmarshal(v, &sec); err != nil {
			return fmt.Errorf("section %q: %w", name, err)
		}
		out.Sections[name] = &sec
	}
	*d = *out
	return nil
}

func (d Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Sections)+1)
	for name, sec := range d.Sections {
		if sec == nil {
			continue
		}
		entries := sec.Entries
		if entries == nil {
			entries = []domain.SeriesEntry{}
		}
		m[name] = Section{Entries: entries}
	}
	retry := d.Retry
	if retry == nil {
		retry = []domain.RetryItem{}
	}
	m[RetrySection] = retry
	return json.Marshal(m)
}

// Encode 输出 4 空格缩进的文档（与手工编辑的习惯保持一致）。
func (d *Document) Encode() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "    "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Clone 深拷贝文档（Store.Update 的 copy-on-write 依赖它）。
func (d *Document) Clone() *Document {
	out := NewDocument()
	for name, sec := range d.Sections {
		if sec == nil {
			continue
		}
		entries := make([]domain.SeriesEntry, len(sec.Entries))
		for i, e := range sec.Entries {
			entries[i] = e.Clone()
		}
		out.Sections[name] = &Section{Entries: entries}
	}
	out.Retry = append([]domain.RetryItem(nil), d.Retry...)
	return out
}

// sectionNames 返回稳定顺序的 section 名。
func (d *Document) sectionNames() []string {
	names := make([]string, 0, len(d.Sections))
	for n := range d.Sections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Each 按 section 名字典序、section 内原始顺序遍历所有 entry；fn 可以修改 entry。
func (d *Document) Each(fn func(section string, e *domain.SeriesEntry) bool) {
	for _, name := range d.sectionNames() {
		sec := d.Sections[name]
		if sec == nil {
			continue
		}
		for i := range sec.Entries {
			if !fn(name, &sec.Entries[i]) {
				return
			}
		}
	}
}

// Entry 按名称查找 series。
func (d *Document) Entry(name string) (*domain.SeriesEntry, bool) {
	var found *domain.SeriesEntry
	d.Each(func(_ string, e *domain.SeriesEntry) bool {
		if e.Name == name {
			found = e
			return false
		}
		return true
	})
	return found, found != nil
}

// SeriesForChannel 返回绑定到 channelID 的所有 series（副本）。
func (d *Document) SeriesForChannel(channelID string) []domain.SeriesEntry {
	var out []domain.SeriesEntry
	d.Each(func(_ string, e *domain.SeriesEntry) bool {
		if e.ChannelID == channelID {
			out = append(out, e.Clone())
		}
		return true
	})
	return out
}

// AdvanceEpisode 把 series 的 last_episode 推进到 episode（只增不减）。
// 返回值表示是否发生了变化。
func (d *Document) AdvanceEpisode(name string, episode int) (bool, error) {
	e, ok := d.Entry(name)
	if !ok {
		return false, fmt.Errorf("series 不存在：%q", name)
	}
	if episode <= e.LastEpisode {
		return false, nil
	}
	e.LastEpisode = episode
	return true, nil
}

// AppendRetry 追加重试条目；已存在同一目标（series+episode+platform）时不追加。
func (d *Document) AppendRetry(item domain.RetryItem) bool {
	for _, it := range d.Retry {
		if it.SameTarget(item) {
			return false
		}
	}
	d.Retry = append(d.Retry, item)
	return true
}

// Validate 检查文档中的配置错误（不修改文档）。所有问题合并为一个 error 返回。
func (d *Document) Validate() error {
	var errs []error
	seen := map[string]string{}
	d.Each(func(section string, e *domain.SeriesEntry) bool {
		where := fmt.Sprintf("%s/%s", section, e.Name)
		if strings.TrimSpace(e.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name 不能为空", section))
			return true
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: series 名称重复（已出现在 %s）", where, prev))
		}
		seen[e.Name] = section
		if strings.TrimSpace(e.ChannelID) == "" {
			errs = append(errs, fmt.Errorf("%s: channel_id 不能为空", where))
		}
		if strings.TrimSpace(e.Path) == "" {
			errs = append(errs, fmt.Errorf("%s: path 不能为空", where))
		}
		if re, err := regexp.Compile(e.Regex); err != nil || strings.TrimSpace(e.Regex) == "" {
			errs = append(errs, fmt.Errorf("%s: regex 无效：%q", where, e.Regex))
		} else if re.NumSubexp() < 1 {
			errs = append(errs, fmt.Errorf("%s: regex 必须包含捕获组：%q", where, e.Regex))
		}
		if len(e.Platforms) == 0 {
			errs = append(errs, fmt.Errorf("%s: platforms 不能为空", where))
		}
		if e.LastEpisode < 0 {
			errs = append(errs, fmt.Errorf("%s: last_episode 不能为负数", where))
		}
		errs = append(errs, platformKeyErrors(where, "links", keysOf(e.Links), e.Platforms)...)
		errs = append(errs, platformKeyErrors(where, "platform_options", keysOf(e.PlatformOptions), e.Platforms)...)
		for _, p := range e.Platforms {
			opts := e.Options(p)
			if !opts.ShareType.Valid() {
				errs = append(errs, fmt.Errorf("%s: %s 的 share_type 无效：%q", where, p, opts.ShareType))
			}
			if opts.FolderRegex != "" {
				if _, err := regexp.Compile(opts.FolderRegex); err != nil {
					errs = append(errs, fmt.Errorf("%s: %s 的 folder_regex 无效：%v", where, p, err))
				}
			}
		}
		return true
	})
	return errors.Join(errs...)
}

// platformKeyErrors 检查 links/platform_options 的 key：必须对应 platforms 中的某个平台，且忽略大小写后不重复。
func platformKeyErrors(where, field string, keys, platforms []string) []error {
	var errs []error
	for i, k := range keys {
		if !slices.ContainsFunc(platforms, func(p string) bool { return domain.SamePlatform(p, k) }) {
			errs = append(errs, fmt.Errorf("%s: %s 中的 %q 不在 platforms 中", where, field, k))
		}
		for _, prev := range keys[:i] {
			if domain.SamePlatform(prev, k) {
				errs = append(errs, fmt.Errorf("%s: %s 中的 %q 与 %q 仅大小写不同", where, field, prev, k))
			}
		}
	}
	return errs
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
