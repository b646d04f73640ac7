package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"kora/internal/domain"
)

// Verifier checks that a transaction hash refers to a successful on-chain
// transaction.
type Verifier interface {
	VerifyTransaction(ctx context.Context, txHash string) error
}

// NoopVerifier accepts every hash. Used when no RPC endpoint is configured.
type NoopVerifier struct{}

func (NoopVerifier) VerifyTransaction(context.Context, string) error { return nil }

type receiptReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EVMVerifier struct {
	client  receiptReader
	closer  func()
	chainID *big.Int
	logger  *zap.Logger
}

// NewEVMVerifier dials rpcURL and refuses to start if the node reports a
// different chain id than expected.
func NewEVMVerifier(ctx context.Context, rpcURL string, expectedChainID int64, logger *zap.Logger) (*EVMVerifier, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	v, err := newEVMVerifier(ctx, client, expectedChainID, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	v.closer = client.Close
	return v, nil
}

func newEVMVerifier(ctx context.Context, client receiptReader, expectedChainID int64, logger *zap.Logger) (*EVMVerifier, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID.Cmp(big.NewInt(expectedChainID)) != 0 {
		return nil, fmt.Errorf("rpc serves chain %s, expected %d", chainID, expectedChainID)
	}
	return &EVMVerifier{client: client, chainID: chainID, logger: logger}, nil
}

func (v *EVMVerifier) VerifyTransaction(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			v.logger.Info("Transaction receipt not found", zap.String("tx_hash", hash.Hex()))
			return fmt.Errorf("no receipt for %s: %w", hash.Hex(), domain.ErrTransactionUnverified)
		}
		v.logger.Error("Failed to fetch transaction receipt", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrVerifierUnavailable, err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		v.logger.Warn("Transaction reverted",
			zap.String("tx_hash", hash.Hex()),
			zap.Uint64("block", receipt.BlockNumber.Uint64()),
		)
		return fmt.Errorf("transaction %s: %w", hash.Hex(), domain.ErrTransactionReverted)
	}

	v.logger.Debug("Transaction verified",
		zap.String("tx_hash", hash.Hex()),
		zap.String("chain_id", v.chainID.String()),
	)
	return nil
}

func (v *EVMVerifier) Close() {
	if v.closer != nil {
		v.closer()
	}
}
