// Package chain defines the read-only view of the blockchain the engine
// depends on, plus the go-ethereum backed implementation.
package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrInvalidAddress is returned for wallet addresses that are not 20-byte hex.
var ErrInvalidAddress = errors.New("invalid wallet address")

// ReceiptStatus is the interpreted outcome of a mined transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
	ReceiptUnknown  ReceiptStatus = "unknown"
)

// Receipt is the subset of a transaction receipt the sweeper needs.
type Receipt struct {
	Hash        string        `json:"hash"`
	Status      ReceiptStatus `json:"status"`
	BlockNumber uint64        `json:"block_number"`
}

// Reader is the chain access used by the oracle and the sweeper.
// GetReceipt returns (nil, nil) while a transaction is not yet mined.
type Reader interface {
	ReadBalance(ctx context.Context, address string) (decimal.Decimal, error)
	GetReceipt(ctx context.Context, hash string) (*Receipt, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// NormalizeAddress validates a hex address and returns its checksummed form.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(address).Hex(), nil
}

// NormalizeHash lowercases a transaction hash and ensures the 0x prefix, so
// hashes coming from the store and from receipts compare equal.
func NormalizeHash(hash string) string {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return ""
	}
	if !strings.HasPrefix(hash, "0x") {
		hash = "0x" + hash
	}
	return hash
}

// Confirmations is latest - block + 1, or 0 when the head lags the receipt.
func Confirmations(latest, block uint64) uint64 {
	if latest < block {
		return 0
	}
	return latest - block + 1
}
