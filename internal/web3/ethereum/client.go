package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/rpc"

	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/web3"
)

// mintABI 是铸造合约需要实现的最小接口。
const mintABI = `[{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenURI","type":"string"}],"outputs":[]}]`

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name       string
	RPCURL     string
	Notes      string
	PrivateKey string
}

// Backend is the subset of go-ethereum client methods the ledger needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*coretypes.Transaction, bool, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()
	commit  func()
	key     *ecdsa.PrivateKey
	mintABI abi.ABI

	mu      sync.Mutex
	chainID *big.Int
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	c, err := newClient(cfg.Name, cfg.Notes, eth, key)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Every broadcast transaction is committed into a new block immediately.
func NewSimulatedClient(name string, backend *simulated.Backend, key *ecdsa.PrivateKey) *Client {
	c, err := newClient(name, "simulated backend", backend.Client(), key)
	if err != nil {
		panic(err)
	}
	c.commit = func() { backend.Commit() }
	return c
}

func newClient(name, notes string, backend Backend, key *ecdsa.PrivateKey) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(mintABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}
	return &Client{name: name, notes: notes, backend: backend, key: key, mintABI: parsed}, nil
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return key, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Address 返回签名账户地址，未配置私钥时为空。
func (c *Client) Address() string {
	if c.key == nil {
		return ""
	}
	return crypto.PubkeyToAddress(c.key.PublicKey).Hex()
}

func (c *Client) chain(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, rpcError("获取链 ID 失败", err)
	}
	c.chainID = id
	return id, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.chain(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, rpcError("获取最新区块高度失败", err)
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// Balance 查询地址余额，单位为 wei。
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	balance, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, rpcError("查询余额失败", err)
	}
	return balance, nil
}

// TransactionStatus 查询交易回执，未上链的交易返回 pending 或 not_found。
// 节点仍在建立交易索引时，查不到的交易同样视为 not_found。
func (c *Client) TransactionStatus(ctx context.Context, hash string) (web3.TxStatus, error) {
	hash = strings.TrimSpace(hash)
	if len(common.FromHex(hash)) != common.HashLength {
		return web3.TxStatus{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的交易哈希 %q", hash))
	}
	h := common.HexToHash(hash)
	status := web3.TxStatus{Hash: h.Hex()}

	receipt, err := c.backend.TransactionReceipt(ctx, h)
	switch {
	case err == nil:
		status.Status = web3.TxFailed
		if receipt.Status == coretypes.ReceiptStatusSuccessful {
			status.Status = web3.TxSuccess
		}
		if receipt.BlockNumber != nil {
			status.BlockNumber = receipt.BlockNumber.Uint64()
		}
		status.GasUsed = receipt.GasUsed
		return status, nil
	case !errors.Is(err, gethcore.NotFound) && !txIndexing(err):
		return web3.TxStatus{}, rpcError("查询交易回执失败", err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, h)
	switch {
	case err == nil && pending:
		status.Status = web3.TxPending
	case err == nil || errors.Is(err, gethcore.NotFound) || txIndexing(err):
		status.Status = web3.TxNotFound
	default:
		return web3.TxStatus{}, rpcError("查询交易失败", err)
	}
	return status, nil
}

// Transfer 签名并广播一笔原生代币转账。
func (c *Client) Transfer(ctx context.Context, to string, amountWei *big.Int, memo string) (web3.Submission, error) {
	recipient, err := parseAddress(to)
	if err != nil {
		return web3.Submission{}, err
	}
	if amountWei == nil || amountWei.Sign() <= 0 {
		return web3.Submission{}, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于 0")
	}
	return c.send(ctx, recipient, amountWei, []byte(memo))
}

// Mint 调用合约的 mint(address,string) 方法。
func (c *Client) Mint(ctx context.Context, contract, to, tokenURI string) (web3.Submission, error) {
	target, err := parseAddress(contract)
	if err != nil {
		return web3.Submission{}, err
	}
	var owner common.Address
	if strings.TrimSpace(to) == "" {
		if c.key == nil {
			return web3.Submission{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置签名私钥")
		}
		owner = crypto.PubkeyToAddress(c.key.PublicKey)
	} else if owner, err = parseAddress(to); err != nil {
		return web3.Submission{}, err
	}
	data, err := c.mintABI.Pack("mint", owner, tokenURI)
	if err != nil {
		return web3.Submission{}, fmt.Errorf("编码 mint 调用失败: %w", err)
	}
	return c.send(ctx, target, big.NewInt(0), data)
}

func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (web3.Submission, error) {
	if c.key == nil {
		return web3.Submission{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置签名私钥")
	}
	chainID, err := c.chain(ctx)
	if err != nil {
		return web3.Submission{}, err
	}
	from := crypto.PubkeyToAddress(c.key.PublicKey)

	// 同一账户的 nonce 分配与广播必须串行。
	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return web3.Submission{}, rpcError("查询交易计数失败", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return web3.Submission{}, rpcError("获取 gas 价格失败", err)
	}
	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: data})
	if err != nil {
		return web3.Submission{}, rpcError("估算 gas 失败", err)
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return web3.Submission{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return web3.Submission{}, rpcError("发送交易失败", err)
	}
	if c.commit != nil {
		c.commit()
	}
	return web3.Submission{
		Hash:  signed.Hash().Hex(),
		From:  from.Hex(),
		To:    to.Hex(),
		Nonce: nonce,
		Value: new(big.Int).Set(value),
	}, nil
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的地址 %q", raw))
	}
	return common.HexToAddress(raw), nil
}

const txIndexingMessage = "transaction indexing is in progress"

// txIndexing 判断节点是否因交易索引尚未完成而拒绝查询。
func txIndexing(err error) bool {
	if err == nil {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data == txIndexingMessage {
			return true
		}
	}
	return strings.Contains(err.Error(), txIndexingMessage)
}

func rpcError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, msg)
	}
	return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, msg)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
