package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述账本提供方的连接方式。
type Config struct {
	// Name 是账本提供方在回退链中的名称。
	Name         string `yaml:"name"`
	ChainConfig  string `yaml:"chain_config"`
	RPCURL       string `yaml:"rpc_url"`
	DefaultChain string `yaml:"default_chain"`
	// PrivateKey 是签名交易使用的十六进制私钥，通常来自环境变量。
	PrivateKey string `yaml:"private_key"`
	// MintContract 是未指定合约时使用的默认铸造合约。
	MintContract string `yaml:"mint_contract"`
}

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type         string `yaml:"type"`
	RPCURL       string `yaml:"rpc_url"`
	Description  string `yaml:"description"`
	MintContract string `yaml:"mint_contract"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
