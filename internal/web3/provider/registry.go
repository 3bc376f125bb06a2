// Package provider exposes the configured chains as the ledger_action
// capability provider.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/web3"
	"CoralRush/internal/web3/ethereum"
)

const defaultName = "ledger"

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	name         string
	defaultChain string
	clients      map[string]web3.Client
	contracts    map[string]string
}

var (
	_ capability.Provider = (*Registry)(nil)
	_ capability.Closer   = (*Registry)(nil)
)

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg web3.Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	contracts := make(map[string]string)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:       name,
				RPCURL:     chain.RPCURL,
				Notes:      chain.Description,
				PrivateKey: cfg.PrivateKey,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
			contracts[name] = firstNonEmpty(chain.MintContract, cfg.MintContract)
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL, PrivateKey: cfg.PrivateKey})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		contracts["default"] = cfg.MintContract
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	r, err := New(cfg.Name, cfg.DefaultChain, clients)
	if err != nil {
		closeAll()
		return nil, err
	}
	r.contracts = contracts
	return r, nil
}

// New 使用已创建的客户端构建注册表。defaultChain 为空时取名称最小的链。
func New(name, defaultChain string, clients map[string]web3.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for n := range clients {
			names = append(names, n)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	if name == "" {
		name = defaultName
	}
	return &Registry{name: name, defaultChain: defaultChain, clients: clients, contracts: map[string]string{}}, nil
}

// Name 返回提供方名称。
func (r *Registry) Name() string { return r.name }

// Client returns the chain client identified by name, or the default chain when name is empty.
func (r *Registry) Client(name string) (web3.Client, string, bool) {
	if r == nil {
		return nil, "", false
	}
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	return client, name, ok
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
	return nil
}

// Invoke 执行一次账本动作。
func (r *Registry) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	if req.Capability != capability.LedgerAction {
		return nil, capability.Unsupported(r.name, req.Capability)
	}
	if req.Payload.Ledger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少账本请求")
	}
	ledger := *req.Payload.Ledger
	client, chain, ok := r.Client(ledger.Chain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的链 %q", ledger.Chain))
	}

	switch ledger.Kind {
	case capability.LedgerStatus:
		return r.status(ctx, client, chain, ledger)
	case capability.LedgerTransfer:
		amount, ok := new(big.Int).SetString(strings.TrimSpace(ledger.AmountWei), 10)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的转账金额 %q", ledger.AmountWei))
		}
		sub, err := client.Transfer(ctx, ledger.Recipient, amount, ledger.Memo)
		if err != nil {
			return nil, err
		}
		return submitted(chain, "transfer", sub), nil
	case capability.LedgerMint:
		contract := firstNonEmpty(ledger.Contract, r.contracts[chain])
		if contract == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 未配置铸造合约", chain))
		}
		sub, err := client.Mint(ctx, contract, ledger.Recipient, ledger.TokenURI)
		if err != nil {
			return nil, err
		}
		return submitted(chain, "mint", sub), nil
	default:
		return nil, xerrors.New(xerrors.CodeUnsupportedOperation, fmt.Sprintf("未知的账本动作 %q", ledger.Kind))
	}
}

func (r *Registry) status(ctx context.Context, client web3.Client, chain string, ledger capability.LedgerRequest) (*capability.Output, error) {
	switch {
	case ledger.TxHash != "":
		st, err := client.TransactionStatus(ctx, ledger.TxHash)
		if err != nil {
			return nil, err
		}
		attrs := map[string]any{"chain": chain, "tx_hash": st.Hash, "status": st.Status}
		if st.BlockNumber > 0 {
			attrs["block_number"] = st.BlockNumber
		}
		return &capability.Output{
			Text:       fmt.Sprintf("Transaction %s is %s.", st.Hash, strings.ReplaceAll(st.Status, "_", " ")),
			Confidence: 1,
			Attributes: attrs,
		}, nil
	case ledger.Recipient != "":
		balance, err := client.Balance(ctx, ledger.Recipient)
		if err != nil {
			return nil, err
		}
		return &capability.Output{
			Text:       fmt.Sprintf("Balance of %s is %s wei.", ledger.Recipient, balance),
			Confidence: 1,
			Attributes: map[string]any{"chain": chain, "address": ledger.Recipient, "balance_wei": balance.String()},
		}, nil
	default:
		snap, err := client.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return &capability.Output{
			Text:       fmt.Sprintf("Chain %s is at block %s.", chain, snap.BlockNumber),
			Confidence: 1,
			Attributes: map[string]any{"chain": chain, "chain_id": snap.ChainID, "block_number": snap.BlockNumber},
		}, nil
	}
}

func submitted(chain, action string, sub web3.Submission) *capability.Output {
	return &capability.Output{
		Text:       fmt.Sprintf("Submitted %s %s on %s.", action, sub.Hash, chain),
		Confidence: 1,
		Attributes: map[string]any{
			"chain":   chain,
			"action":  action,
			"tx_hash": sub.Hash,
			"from":    sub.From,
			"to":      sub.To,
			"nonce":   sub.Nonce,
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
