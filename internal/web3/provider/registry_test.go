package provider

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/web3"
	"CoralRush/internal/web3/ethereum"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))},
	})
	t.Cleanup(func() { _ = backend.Close() })
	r, err := New("", "", map[string]web3.Client{"dev": ethereum.NewSimulatedClient("dev", backend, key)})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func invoke(r *Registry, req capability.LedgerRequest) (*capability.Output, error) {
	return r.Invoke(context.Background(), capability.Request{
		Capability: capability.LedgerAction,
		Payload:    capability.Payload{Ledger: &req},
	})
}

func TestTransferThenStatus(t *testing.T) {
	r := newRegistry(t)
	if r.Name() != "ledger" || r.Chains()[0] != "dev" {
		t.Fatalf("unexpected registry %s %v", r.Name(), r.Chains())
	}
	out, err := invoke(r, capability.LedgerRequest{
		Kind:      capability.LedgerTransfer,
		Recipient: "0x00000000000000000000000000000000000000bb",
		AmountWei: "1000",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	hash, _ := out.Attributes["tx_hash"].(string)
	if hash == "" || out.Attributes["chain"] != "dev" {
		t.Fatalf("unexpected output %+v", out)
	}

	status, err := invoke(r, capability.LedgerRequest{Kind: capability.LedgerStatus, TxHash: hash})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Attributes["status"] != web3.TxSuccess {
		t.Fatalf("unexpected status %+v", status)
	}

	balance, err := invoke(r, capability.LedgerRequest{Kind: capability.LedgerStatus, Recipient: "0x00000000000000000000000000000000000000bb"})
	if err != nil || balance.Attributes["balance_wei"] != "1000" {
		t.Fatalf("unexpected balance %+v, %v", balance, err)
	}

	snap, err := invoke(r, capability.LedgerRequest{Kind: capability.LedgerStatus})
	if err != nil || snap.Attributes["chain_id"] != "0x539" {
		t.Fatalf("unexpected snapshot %+v, %v", snap, err)
	}
}

func TestInvokeValidation(t *testing.T) {
	r := newRegistry(t)
	cases := []capability.LedgerRequest{
		{Kind: capability.LedgerTransfer, Recipient: "0x00000000000000000000000000000000000000bb", AmountWei: "abc"},
		{Kind: capability.LedgerMint},
		{Kind: capability.LedgerStatus, Chain: "mainnet"},
	}
	for _, c := range cases {
		if _, err := invoke(r, c); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%+v: expected invalid argument, got %v", c, err)
		}
	}
	if _, err := r.Invoke(context.Background(), capability.Request{Capability: capability.Transcribe}); xerrors.CodeOf(err) != xerrors.CodeUnsupportedOperation {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestNewRegistryRequiresChains(t *testing.T) {
	if _, err := NewRegistry(context.Background(), web3.Config{}); err == nil {
		t.Fatalf("expected error without chains")
	}
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  solana:\n    type: svm\n    rpc_url: http://127.0.0.1:1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewRegistry(context.Background(), web3.Config{ChainConfig: path}); err == nil {
		t.Fatalf("expected error for unsupported chain type")
	}
	if _, err := New("", "missing", map[string]web3.Client{"dev": nil}); err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}
