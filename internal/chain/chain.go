package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions 对应 configs/chains.yaml 的整体结构。
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition 描述单条链的支付参数。
type Definition struct {
	ChainID          int64  `yaml:"chain_id"`
	RPCURL           string `yaml:"rpc_url"`
	PaymentToken     string `yaml:"payment_token"`
	PaymentCollector string `yaml:"payment_collector"`
	TokenDecimals    int    `yaml:"token_decimals"`
	Description      string `yaml:"description"`
}

// LoadDefinitions 解析包含链支付元数据的 YAML 文件。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	for name, def := range defs.Chains {
		if def.TokenDecimals <= 0 {
			def.TokenDecimals = 6
			defs.Chains[name] = def
		}
	}
	return defs, nil
}

// Lookup 返回指定名称的链定义。
func (d Definitions) Lookup(name string) (Definition, bool) {
	def, ok := d.Chains[strings.TrimSpace(name)]
	return def, ok
}
