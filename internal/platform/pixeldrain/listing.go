package pixeldrain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// ListedFile 是文件夹页面里列出的一个文件。
type ListedFile struct {
	ID   string
	Name string
	// Uploaded 解析失败时为零值（年龄过滤对其不生效）。
	Uploaded time.Time
}

// viewerMarker 是文件夹页面注入列表数据的脚本变量。
const viewerMarker = "window.viewer_data"

var errNoPayload = errors.New("页面中未找到 viewer_data")

type viewerData struct {
	APIResponse *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Files *[]struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			DateUpload string `json:"date_upload"`
		} `json:"files"`
	} `json:"api_response"`
}

// ParseListing 从文件夹网页中提取脚本注入的 JSON 列表。
//
// 约束：
// - 页面结构变化只会在这里表现为 error；调用方一律归类为 folder_parse_error
// - files 字段缺失是 error；存在但为空返回空切片
func ParseListing(page []byte) ([]ListedFile, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	var (
		payload viewerData
		found   bool
		lastErr = errNoPayload
	)
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		i := strings.Index(text, viewerMarker)
		if i < 0 {
			return true
		}
		rest := text[i+len(viewerMarker):]
		j := strings.IndexByte(rest, '{')
		if j < 0 {
			lastErr = fmt.Errorf("viewer_data 后没有 JSON 对象")
			return true
		}
		// Decoder 只读取第一个完整 JSON 值，后面的 `;` 和其它脚本被忽略。
		if err := json.NewDecoder(strings.NewReader(rest[j:])).Decode(&payload); err != nil {
			lastErr = fmt.Errorf("viewer_data 解析失败：%w", err)
			return true
		}
		found = true
		return false
	})
	if !found {
		return nil, lastErr
	}
	if payload.APIResponse == nil || payload.APIResponse.Files == nil {
		return nil, errors.New("viewer_data 缺少 api_response.files")
	}

	files := *payload.APIResponse.Files
	out := make([]ListedFile, 0, len(files))
	for _, f := range files {
		id := strings.TrimSpace(f.ID)
		if id == "" {
			continue
		}
		lf := ListedFile{ID: id, Name: strings.TrimSpace(f.Name)}
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(f.DateUpload)); err == nil {
			lf.Uploaded = t
		}
		out = append(out, lf)
	}
	return out, nil
}
