package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for status replies.
type ChainSnapshot struct {
	Chain       string
	ChainID     string
	BlockNumber string
	Notes       string
}

// 交易状态。
const (
	TxPending  = "pending"
	TxSuccess  = "success"
	TxFailed   = "failed"
	TxNotFound = "not_found"
)

// TxStatus describes the on-chain state of a transaction.
type TxStatus struct {
	Hash        string
	Status      string
	BlockNumber uint64
	GasUsed     uint64
}

// Submission captures a transaction the client signed and broadcast.
type Submission struct {
	Hash  string
	From  string
	To    string
	Nonce uint64
	Value *big.Int
}

// Client defines the common interface that any chain implementation must
// provide so the ledger provider can interact with different networks uniformly.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	TransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	Transfer(ctx context.Context, to string, amountWei *big.Int, memo string) (Submission, error)
	Mint(ctx context.Context, contract, to, tokenURI string) (Submission, error)
	Close()
}
