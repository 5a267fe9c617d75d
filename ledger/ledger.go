// Package ledger abstracts the blockchain RPC surface consumed by the
// settlement verifier and the agent wallet. Read queries are idempotent
// and safe to retry; SendTransaction is not.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// TxInfo is the confirmed view of a settlement transaction. Input carries
// the calldata, which agentpay wallets use to tag transfers with the
// request id they settle.
type TxInfo struct {
	Hash          common.Hash
	From          common.Address
	To            *common.Address
	Value         *big.Int
	Input         []byte
	Pending       bool
	Confirmations uint64
	Failed        bool
}

// CallMsg describes a contract-less call for gas estimation.
type CallMsg struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

// FeeData reports the network's fee market. Exactly one of the two forms
// is populated: GasPrice for legacy chains, the tip/cap pair otherwise.
type FeeData struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Legacy reports whether the network quoted a single legacy gas price.
func (f *FeeData) Legacy() bool {
	return f.GasPrice != nil
}

// Client is the ledger collaborator. Implementations must honor context
// cancellation on every call.
type Client interface {
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	Transaction(ctx context.Context, hash common.Hash) (*TxInfo, error)
	EstimateGas(ctx context.Context, call CallMsg) (uint64, error)
	FeeData(ctx context.Context) (*FeeData, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	WaitForConfirmation(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	Close()
}
