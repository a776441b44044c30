package market

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Buyer 是进程级只读的买家参考数据，在交易生命周期内不发生变化。
type Buyer struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	Location    string  `yaml:"location" json:"location"`
	DistanceKM  float64 `yaml:"distance_km" json:"distance_km"`
	Reliability int     `yaml:"reliability_score" json:"reliability_score"`
	CapacityKG  float64 `yaml:"capacity_kg" json:"capacity_kg"`
}

// Directory 持有全部买家。初始化一次后只读，组件通过句柄访问，
// 不存在隐式全局单例。
type Directory struct {
	buyers []Buyer
	byID   map[string]Buyer
}

// NewDirectory 根据买家列表构建目录，保留输入顺序。
func NewDirectory(buyers []Buyer) (*Directory, error) {
	if len(buyers) == 0 {
		return nil, fmt.Errorf("买家目录不能为空")
	}
	byID := make(map[string]Buyer, len(buyers))
	for _, b := range buyers {
		if strings.TrimSpace(b.ID) == "" {
			return nil, fmt.Errorf("买家缺少 ID: %+v", b)
		}
		if b.DistanceKM < 0 {
			return nil, fmt.Errorf("买家 %s 的距离为负数", b.ID)
		}
		if b.Reliability < 0 || b.Reliability > 100 {
			return nil, fmt.Errorf("买家 %s 的可靠性分数越界: %d", b.ID, b.Reliability)
		}
		if _, dup := byID[b.ID]; dup {
			return nil, fmt.Errorf("买家 ID 重复: %s", b.ID)
		}
		byID[b.ID] = b
	}
	return &Directory{buyers: append([]Buyer(nil), buyers...), byID: byID}, nil
}

// LoadDirectory 从 YAML 文件加载买家目录。
func LoadDirectory(path string) (*Directory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("买家目录路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取买家目录失败: %w", err)
	}
	var doc struct {
		Buyers []Buyer `yaml:"buyers"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析买家目录失败: %w", err)
	}
	return NewDirectory(doc.Buyers)
}

// All 返回全部买家（拷贝）。
func (d *Directory) All() []Buyer {
	return append([]Buyer(nil), d.buyers...)
}

// Get 按 ID 查找买家。
func (d *Directory) Get(id string) (Buyer, bool) {
	b, ok := d.byID[id]
	return b, ok
}
