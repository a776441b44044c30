package marketdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 为定价引擎提供近期行情上下文。
type Provider interface {
	Context(crop string) string
}

// Rate 描述一种作物的近期行情摘要。
type Rate struct {
	Crop    string `json:"crop"`
	Summary string `json:"summary"`
}

// StaticProvider 通过加载 JSON 文件提供静态行情上下文。
// 生产环境可替换为对接真实行情 API 的实现。
type StaticProvider struct {
	rates          map[string]string
	defaultContext string
}

// NewStaticProvider 创建静态行情提供者。
func NewStaticProvider(rates []Rate) *StaticProvider {
	index := make(map[string]string, len(rates))
	for _, r := range rates {
		crop := strings.ToLower(strings.TrimSpace(r.Crop))
		if crop == "" || r.Summary == "" {
			continue
		}
		index[crop] = r.Summary
	}
	return &StaticProvider{
		rates:          index,
		defaultContext: "No recent data",
	}
}

// LoadStaticProvider 从 JSON 文件加载行情条目。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("行情文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析行情文件路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取行情文件失败: %w", err)
	}
	defer file.Close()

	var entries []Rate
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析行情文件失败: %w", err)
	}

	return NewStaticProvider(entries), nil
}

// Context 返回作物对应的行情摘要，未收录时返回默认提示。
func (p *StaticProvider) Context(crop string) string {
	if p == nil {
		return ""
	}
	if summary, ok := p.rates[strings.ToLower(strings.TrimSpace(crop))]; ok {
		return summary
	}
	return p.defaultContext
}
