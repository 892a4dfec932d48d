package market

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Modality 表示智能体接受的输入形态，决定请求体的构造方式。
type Modality string

const (
	ModalityChat          Modality = "chat"           // {message, threadId}
	ModalityImageAnalysis Modality = "image-analysis" // {image, prompt}
	ModalityVoice         Modality = "voice"          // {audio}
	ModalityGeneration    Modality = "generation"     // {prompt}
	ModalityText          Modality = "text"           // {text}
)

// Listing 描述市场上一个可调用的智能体。
type Listing struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Endpoint    string   `json:"endpoint"`
	Modality    Modality `json:"modality"`
	Price       int64    `json:"price"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Catalog 定义智能体目录检索的通用接口。
type Catalog interface {
	Find(id string) (Listing, bool)
	List() []Listing
	Search(query string) []Listing
}

// StaticCatalog 通过加载 JSON 文件提供静态目录检索能力。
type StaticCatalog struct {
	items      []Listing
	byID       map[string]Listing
	maxResults int
}

// NewStaticCatalog 创建静态目录实例。
func NewStaticCatalog(items []Listing, maxResults int) *StaticCatalog {
	if maxResults <= 0 {
		maxResults = 10
	}
	byID := make(map[string]Listing, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	return &StaticCatalog{
		items:      items,
		byID:       byID,
		maxResults: maxResults,
	}
}

// LoadStaticCatalog 从 JSON 文件加载目录条目。
func LoadStaticCatalog(path string, maxResults int) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("目录文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析目录路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取目录文件失败: %w", err)
	}
	defer file.Close()

	var entries []Listing
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析目录文件失败: %w", err)
	}

	return NewStaticCatalog(entries, maxResults), nil
}

// Find 按标识返回条目。
func (c *StaticCatalog) Find(id string) (Listing, bool) {
	if c == nil {
		return Listing{}, false
	}
	listing, ok := c.byID[strings.TrimSpace(id)]
	return listing, ok
}

// List 返回全部条目。
func (c *StaticCatalog) List() []Listing {
	if c == nil {
		return nil
	}
	return append([]Listing(nil), c.items...)
}

// Search 对名称、描述与关键词做简单匹配。
func (c *StaticCatalog) Search(query string) []Listing {
	if c == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var matched []Listing
	for _, item := range c.items {
		if len(matched) >= c.maxResults {
			break
		}
		if strings.Contains(strings.ToLower(item.Name), query) ||
			strings.Contains(strings.ToLower(item.Description), query) {
			matched = append(matched, item)
			continue
		}
		for _, keyword := range item.Keywords {
			if strings.Contains(strings.ToLower(keyword), query) {
				matched = append(matched, item)
				break
			}
		}
	}
	return matched
}

// ensure interface compliance at compile time
var _ Catalog = (*StaticCatalog)(nil)
