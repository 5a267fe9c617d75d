package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrTxNotFound reports that the ledger has no record of the transaction.
// Distinct from transient RPC failures, which are retryable.
var ErrTxNotFound = errors.New("ledger: transaction not found")

var _ Client = (*EVMClient)(nil)

// EVMClient implements Client over a JSON-RPC endpoint of an EVM chain
// (Avalanche C-Chain in the default deployment).
type EVMClient struct {
	rpcURL  string
	eth     *ethclient.Client
	timeout time.Duration

	chainID *big.Int
}

// NewEVMClient dials the RPC endpoint and caches the chain id for sender
// recovery.
func NewEVMClient(ctx context.Context, rpcURL string, timeout time.Duration) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &EVMClient{
		rpcURL:  rpcURL,
		eth:     eth,
		timeout: timeout,
		chainID: chainID,
	}, nil
}

// Close releases the RPC connection.
func (c *EVMClient) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func (c *EVMClient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Balance returns the current native balance of an address.
func (c *EVMClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, address, nil)
}

// Transaction looks up a transaction and derives its confirmation depth.
// A pending transaction is returned with Confirmations zero; a reverted
// one is marked Failed.
func (c *EVMClient) Transaction(ctx context.Context, hash common.Hash) (*TxInfo, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	info := &TxInfo{
		Hash:    hash,
		To:      tx.To(),
		Value:   tx.Value(),
		Input:   tx.Data(),
		Pending: pending,
	}

	if from, err := coretypes.Sender(coretypes.LatestSignerForChainID(c.chainID), tx); err == nil {
		info.From = from
	}

	if pending {
		return info, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Mined per TransactionByHash but no receipt yet: treat as
			// still pending rather than inventing a confirmation count.
			info.Pending = true
			return info, nil
		}
		return nil, err
	}

	info.Failed = receipt.Status == coretypes.ReceiptStatusFailed

	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	txBlock := receipt.BlockNumber.Uint64()
	if head >= txBlock {
		info.Confirmations = head - txBlock + 1
	}

	return info, nil
}

// EstimateGas simulates the call against the pending state.
func (c *EVMClient) EstimateGas(ctx context.Context, call CallMsg) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  call.From,
		To:    call.To,
		Value: call.Value,
		Data:  call.Data,
	})
}

// FeeData prefers a single legacy gas price on chains without a base fee;
// otherwise it quotes a tip plus a fee cap of twice the current base fee.
func (c *EVMClient) FeeData(ctx context.Context) (*FeeData, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}

	if header.BaseFee == nil {
		gasPrice, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return &FeeData{GasPrice: gasPrice}, nil
	}

	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(header.BaseFee, big.NewInt(2)),
		tip,
	)
	return &FeeData{MaxFeePerGas: feeCap, MaxPriorityFeePerGas: tip}, nil
}

// PendingNonce returns the next nonce including pending transactions.
func (c *EVMClient) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.PendingNonceAt(ctx, address)
}

// ChainID returns the cached chain id.
func (c *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// SendTransaction broadcasts a signed transaction. Never retried here:
// resubmission semantics belong to the wallet, which owns the nonce.
func (c *EVMClient) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	return c.eth.SendTransaction(ctx, tx)
}

// WaitForConfirmation polls for the receipt until the context expires.
func (c *EVMClient) WaitForConfirmation(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
