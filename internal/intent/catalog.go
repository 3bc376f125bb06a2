package intent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry 描述一个意图的匹配关键字与默认回复。
type Entry struct {
	Intent   Name     `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
	Reply    string   `yaml:"reply"`
}

// Catalog 是按顺序匹配的意图目录，先匹配的条目优先。
type Catalog struct {
	entries []Entry
}

// DefaultCatalog 返回内置的意图目录。
func DefaultCatalog() *Catalog {
	return NewCatalog([]Entry{
		{Intent: TransactionStatus, Keywords: []string{"status", "stuck", "pending", "confirm", "receipt"}, Reply: "Let me check the status of that transaction."},
		{Intent: BalanceCheck, Keywords: []string{"balance", "how much do i have"}, Reply: "Let me look up that balance."},
		{Intent: NFTMint, Keywords: []string{"mint", "nft", "compensation"}, Reply: "I'll mint that for you."},
		{Intent: PaymentTransfer, Keywords: []string{"send", "transfer", "pay", "remit"}, Reply: "I'll process that payment for you."},
		{Intent: SupportRequest, Keywords: []string{"help", "support", "problem", "issue"}, Reply: "I'm here to help with that."},
	})
}

// NewCatalog 创建意图目录，忽略没有关键字的条目。
func NewCatalog(entries []Entry) *Catalog {
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Intent == "" || len(e.Keywords) == 0 {
			continue
		}
		normalized := make([]string, 0, len(e.Keywords))
		for _, k := range e.Keywords {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				normalized = append(normalized, k)
			}
		}
		e.Keywords = normalized
		kept = append(kept, e)
	}
	return &Catalog{entries: kept}
}

// LoadCatalog 从 YAML 文件加载意图目录。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("意图目录路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析意图目录路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取意图目录失败: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("解析意图目录失败: %w", err)
	}
	catalog := NewCatalog(entries)
	if len(catalog.entries) == 0 {
		return nil, fmt.Errorf("意图目录 %s 中没有有效条目", path)
	}
	return catalog, nil
}

// Match 返回第一个关键字命中的条目。
func (c *Catalog) Match(text string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	text = strings.ToLower(text)
	for _, e := range c.entries {
		for _, k := range e.Keywords {
			if strings.Contains(text, k) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Len 返回条目数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}
