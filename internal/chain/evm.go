package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// balanceOfSelector is keccak256("balanceOf(address)")[:4].
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// EthClient is the part of ethclient.Client the reader calls.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMConfig selects what balance is read for a wallet.
type EVMConfig struct {
	RPCURL string
	// TokenAddress is an ERC-20 contract; empty reads the native coin balance.
	TokenAddress string
	Decimals     int32
}

// EVMReader implements Reader over a JSON-RPC endpoint.
type EVMReader struct {
	client   EthClient
	token    *common.Address
	decimals int32
	logger   zerolog.Logger
}

// DialEVM connects to the configured RPC endpoint.
func DialEVM(ctx context.Context, cfg EVMConfig, logger zerolog.Logger) (*EVMReader, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("chain rpc url is empty")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	return NewEVMReader(client, cfg, logger)
}

// NewEVMReader wraps an existing client.
func NewEVMReader(client EthClient, cfg EVMConfig, logger zerolog.Logger) (*EVMReader, error) {
	r := &EVMReader{
		client:   client,
		decimals: cfg.Decimals,
		logger:   logger.With().Str("component", "EVMReader").Logger(),
	}
	if r.decimals <= 0 {
		r.decimals = 18
	}
	if cfg.TokenAddress != "" {
		if !common.IsHexAddress(cfg.TokenAddress) {
			return nil, fmt.Errorf("token %q: %w", cfg.TokenAddress, ErrInvalidAddress)
		}
		token := common.HexToAddress(cfg.TokenAddress)
		r.token = &token
	}
	return r, nil
}

// Close releases the underlying RPC connection when it owns one.
func (r *EVMReader) Close() {
	if c, ok := r.client.(*ethclient.Client); ok {
		c.Close()
	}
}

// ReadBalance returns the wallet balance in whole token units.
func (r *EVMReader) ReadBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, ErrInvalidAddress
	}
	account := common.HexToAddress(address)

	var raw *big.Int
	if r.token == nil {
		wei, err := r.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to read native balance: %w", err)
		}
		raw = wei
	} else {
		data := make([]byte, 0, 4+32)
		data = append(data, balanceOfSelector...)
		data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

		out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: r.token, Data: data}, nil)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
		}
		if len(out) < 32 {
			return decimal.Zero, fmt.Errorf("balanceOf returned %d bytes", len(out))
		}
		raw = new(big.Int).SetBytes(out[:32])
	}

	return decimal.NewFromBigInt(raw, -r.decimals), nil
}

// GetReceipt returns nil without error while the transaction is unknown to the node.
func (r *EVMReader) GetReceipt(ctx context.Context, hash string) (*Receipt, error) {
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	if receipt == nil {
		return nil, nil
	}

	out := &Receipt{
		Hash:   receipt.TxHash.Hex(),
		Status: ReceiptUnknown,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	switch receipt.Status {
	case types.ReceiptStatusSuccessful:
		out.Status = ReceiptSuccess
	case types.ReceiptStatusFailed:
		out.Status = ReceiptReverted
	default:
		r.logger.Warn().
			Str("tx_hash", hash).
			Uint64("status", receipt.Status).
			Msg("Unrecognized receipt status")
	}
	return out, nil
}

// LatestBlockNumber returns the node's head block.
func (r *EVMReader) LatestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	return n, nil
}
