package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// MOCK CLIENT
// ============================================================================

type mockEVMClient struct {
	native   *big.Int
	callOut  []byte
	lastCall ethereum.CallMsg
	receipt  *types.Receipt
	receiptE error
	head     uint64
}

func (m *mockEVMClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return m.native, nil
}

func (m *mockEVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	m.lastCall = msg
	return m.callOut, nil
}

func (m *mockEVMClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return m.receipt, m.receiptE
}

func (m *mockEVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	return m.head, nil
}

const testWallet = "0x00000000000000000000000000000000000000aa"

// ============================================================================
// TEST: Balance reads
// ============================================================================

func TestEVMReader_NativeBalance(t *testing.T) {
	wei, _ := new(big.Int).SetString("2500000000000000000", 10)
	client := &mockEVMClient{native: wei}
	r, err := NewEVMReader(client, EVMConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, err := r.ReadBalance(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Expected 2.5, got %s", got)
	}
}

func TestEVMReader_TokenBalance(t *testing.T) {
	client := &mockEVMClient{callOut: common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32)}
	token := "0x00000000000000000000000000000000000000bb"
	r, err := NewEVMReader(client, EVMConfig{TokenAddress: token, Decimals: 6}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, err := r.ReadBalance(context.Background(), testWallet)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected 1.5, got %s", got)
	}
	if client.lastCall.To == nil || *client.lastCall.To != common.HexToAddress(token) {
		t.Error("Expected call to token contract")
	}
	if len(client.lastCall.Data) != 36 {
		t.Errorf("Expected 36 bytes of calldata, got %d", len(client.lastCall.Data))
	}
}

func TestEVMReader_InvalidAddress(t *testing.T) {
	r, _ := NewEVMReader(&mockEVMClient{}, EVMConfig{}, zerolog.Nop())
	if _, err := r.ReadBalance(context.Background(), "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
	if _, err := NewEVMReader(&mockEVMClient{}, EVMConfig{TokenAddress: "0x12"}, zerolog.Nop()); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress for token, got %v", err)
	}
}

// ============================================================================
// TEST: Receipts
// ============================================================================

func TestEVMReader_Receipts(t *testing.T) {
	hash := common.HexToHash("0xabc1")

	testCases := []struct {
		name       string
		receipt    *types.Receipt
		err        error
		wantNil    bool
		wantErr    bool
		wantStatus ReceiptStatus
	}{
		{name: "not found is pending", err: ethereum.NotFound, wantNil: true},
		{name: "transport error", err: errors.New("connection reset"), wantNil: true, wantErr: true},
		{
			name:       "success",
			receipt:    &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: hash, BlockNumber: big.NewInt(90)},
			wantStatus: ReceiptSuccess,
		},
		{
			name:       "reverted",
			receipt:    &types.Receipt{Status: types.ReceiptStatusFailed, TxHash: hash, BlockNumber: big.NewInt(90)},
			wantStatus: ReceiptReverted,
		},
		{
			name:       "unrecognized status",
			receipt:    &types.Receipt{Status: 7, TxHash: hash, BlockNumber: big.NewInt(90)},
			wantStatus: ReceiptUnknown,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := NewEVMReader(&mockEVMClient{receipt: tc.receipt, receiptE: tc.err}, EVMConfig{}, zerolog.Nop())
			got, err := r.GetReceipt(context.Background(), hash.Hex())
			if (err != nil) != tc.wantErr {
				t.Fatalf("Expected error=%v, got %v", tc.wantErr, err)
			}
			if tc.wantNil {
				if got != nil {
					t.Errorf("Expected nil receipt, got %+v", got)
				}
				return
			}
			if got.Status != tc.wantStatus {
				t.Errorf("Expected status %s, got %s", tc.wantStatus, got.Status)
			}
			if got.BlockNumber != 90 {
				t.Errorf("Expected block 90, got %d", got.BlockNumber)
			}
		})
	}
}

// ============================================================================
// TEST: Helpers and rate limiting
// ============================================================================

func TestNormalizeHelpers(t *testing.T) {
	if got := NormalizeHash(" ABCDEF "); got != "0xabcdef" {
		t.Errorf("Expected 0xabcdef, got %s", got)
	}
	if got := NormalizeHash("0xAbC"); got != "0xabc" {
		t.Errorf("Expected 0xabc, got %s", got)
	}
	if got := Confirmations(100, 95); got != 6 {
		t.Errorf("Expected 6 confirmations, got %d", got)
	}
	if got := Confirmations(90, 95); got != 0 {
		t.Errorf("Expected 0 confirmations when head lags, got %d", got)
	}
	if _, err := NormalizeAddress("0xzz"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Expected ErrInvalidAddress, got %v", err)
	}
}

func TestRateLimitedReader_RespectsContext(t *testing.T) {
	inner, _ := NewEVMReader(&mockEVMClient{head: 42}, EVMConfig{}, zerolog.Nop())
	r := NewRateLimitedReader(inner, 0.001, 1)

	if n, err := r.LatestBlockNumber(context.Background()); err != nil || n != 42 {
		t.Fatalf("Expected head 42 on first call, got %d / %v", n, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.LatestBlockNumber(ctx); !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected ErrThrottled once the burst is spent, got %v", err)
	}
}
