package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/web3"
)

func newSimulated(t *testing.T) (*Client, *simulated.Backend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18))},
	})
	t.Cleanup(func() { _ = backend.Close() })
	client := NewSimulatedClient("simulated", backend, key)
	t.Cleanup(client.Close)
	return client, backend
}

func TestTransferAndStatus(t *testing.T) {
	client, _ := newSimulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	amount := big.NewInt(500_000_000_000_000_000)
	sub, err := client.Transfer(ctx, recipient.Hex(), amount, "coralrush:payment_transfer")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if sub.From != client.Address() || sub.To != recipient.Hex() {
		t.Fatalf("unexpected submission %+v", sub)
	}

	status, err := client.TransactionStatus(ctx, sub.Hash)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != web3.TxSuccess || status.BlockNumber == 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	balance, err := client.Balance(ctx, recipient.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(amount) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	second, err := client.Transfer(ctx, recipient.Hex(), amount, "")
	if err != nil {
		t.Fatalf("second transfer: %v", err)
	}
	if second.Nonce != sub.Nonce+1 {
		t.Fatalf("nonce should advance, got %d after %d", second.Nonce, sub.Nonce)
	}
}

func TestSnapshotAndUnknownTransaction(t *testing.T) {
	client, _ := newSimulated(t)
	ctx := context.Background()

	snap, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ChainID != "0x539" || snap.Chain != "simulated" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	status, err := client.TransactionStatus(ctx, common.HexToHash("0x01").Hex())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != web3.TxNotFound {
		t.Fatalf("expected not found, got %+v", status)
	}
}

func TestMintEncodesCall(t *testing.T) {
	client, _ := newSimulated(t)
	ctx := context.Background()

	contract := "0x00000000000000000000000000000000000000cc"
	sub, err := client.Mint(ctx, contract, "", "ipfs://artifact/1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if sub.To != common.HexToAddress(contract).Hex() || sub.Value.Sign() != 0 {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestValidation(t *testing.T) {
	client, _ := newSimulated(t)
	ctx := context.Background()
	if _, err := client.Transfer(ctx, "Philippines", big.NewInt(1), ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for non-address recipient, got %v", err)
	}
	if _, err := client.Transfer(ctx, "0x00000000000000000000000000000000000000bb", nil, ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for missing amount, got %v", err)
	}
	if _, err := client.TransactionStatus(ctx, "0x1234"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for short hash, got %v", err)
	}
	if _, err := NewClient(ctx, Config{}); err == nil {
		t.Fatalf("expected error without rpc url")
	}
}

type indexingError struct{}

func (indexingError) Error() string          { return "transaction indexing is in progress" }
func (indexingError) ErrorCode() int         { return -32000 }
func (indexingError) ErrorData() interface{} { return "transaction indexing is in progress" }

type lookupBackend struct {
	Backend
	receiptErr error
	txErr      error
	pending    bool
}

func (b lookupBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, b.receiptErr
}

func (b lookupBackend) TransactionByHash(context.Context, common.Hash) (*coretypes.Transaction, bool, error) {
	if b.txErr != nil {
		return nil, false, b.txErr
	}
	return coretypes.NewTx(&coretypes.LegacyTx{}), b.pending, nil
}

func TestStatusWhileNodeIsIndexing(t *testing.T) {
	hash := common.HexToHash("0x02").Hex()
	cases := []struct {
		name    string
		backend lookupBackend
		want    string
	}{
		{"unknown", lookupBackend{receiptErr: indexingError{}, txErr: indexingError{}}, web3.TxNotFound},
		{"pooled", lookupBackend{receiptErr: indexingError{}, pending: true}, web3.TxPending},
		{"plain message", lookupBackend{receiptErr: errors.New("rpc error: transaction indexing is in progress"), txErr: gethcore.NotFound}, web3.TxNotFound},
	}
	for _, tc := range cases {
		client, err := newClient("stub", "", tc.backend, nil)
		if err != nil {
			t.Fatalf("%s: new client: %v", tc.name, err)
		}
		status, err := client.TransactionStatus(context.Background(), hash)
		if err != nil {
			t.Fatalf("%s: status: %v", tc.name, err)
		}
		if status.Status != tc.want {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.want, status)
		}
	}

	client, err := newClient("stub", "", lookupBackend{receiptErr: errors.New("connection refused")}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.TransactionStatus(context.Background(), hash); xerrors.CodeOf(err) != xerrors.CodeProviderUnavailable {
		t.Fatalf("expected provider unavailable for other rpc errors, got %v", err)
	}
}
