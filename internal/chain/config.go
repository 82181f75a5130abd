package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"Orca-Escrow/internal/payment"
	"Orca-Escrow/internal/transfer"
)

// Definitions models the structure of configs/chain.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a settlement chain and the token contract the
// escrow settles in.
type Definition struct {
	RPCURL       string `yaml:"rpc_url"`
	ChainID      uint64 `yaml:"chain_id"`
	Token        string `yaml:"token"`
	TokenName    string `yaml:"token_name"`
	TokenVersion string `yaml:"token_version"`
	Description  string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain metadata.
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
	return defs, nil
}

// Lookup returns the named chain definition.
func (d Definitions) Lookup(name string) (Definition, error) {
	def, ok := d.Chains[name]
	if !ok {
		return Definition{}, fmt.Errorf("未定义的链: %s", name)
	}
	return def, nil
}

// Domain derives the EIP-712 signing domain for the chain's token
// contract. Signatures are only valid against this exact tuple.
func (def Definition) Domain() (payment.Domain, error) {
	if strings.TrimSpace(def.Token) == "" {
		return payment.Domain{}, fmt.Errorf("链定义缺少代币合约地址")
	}
	if !common.IsHexAddress(def.Token) {
		return payment.Domain{}, fmt.Errorf("非法的代币合约地址: %s", def.Token)
	}
	name := def.TokenName
	if name == "" {
		name = "USD Coin"
	}
	version := def.TokenVersion
	if version == "" {
		version = "2"
	}
	return payment.Domain{
		Name:              name,
		Version:           version,
		ChainID:           def.ChainID,
		VerifyingContract: common.HexToAddress(def.Token),
	}, nil
}

// SettlementConfig derives the settlement client configuration.
func (def Definition) SettlementConfig(name string) (transfer.ChainConfig, error) {
	if !common.IsHexAddress(def.Token) {
		return transfer.ChainConfig{}, fmt.Errorf("非法的代币合约地址: %s", def.Token)
	}
	return transfer.ChainConfig{
		Name:   name,
		RPCURL: def.RPCURL,
		Token:  common.HexToAddress(def.Token),
	}, nil
}
