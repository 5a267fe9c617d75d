// Package wallet implements the client-side settlement engine: a
// persisted EVM key, fee estimation, and payment submission against an
// issued challenge.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/utils"
)

// Fallback gas limits used when on-chain estimation fails. A plain value
// transfer with short calldata fits well under the payment default;
// feedback submissions touch contract storage and need more.
const (
	defaultPaymentGas  = uint64(60_000)
	defaultFeedbackGas = uint64(150_000)

	// feeHeadroomPercent pads the estimated gas limit so transactions
	// survive minor state drift between estimation and inclusion.
	feeHeadroomPercent = 20
)

// OpKind selects the fallback gas profile for an operation.
type OpKind int

const (
	OpPayment OpKind = iota
	OpFeedback
)

// FeeEstimate is a quoted cost for one operation.
type FeeEstimate struct {
	GasLimit uint64   `json:"gas_limit"`
	GasPrice *big.Int `json:"gas_price,omitempty"`
	GasTip   *big.Int `json:"gas_tip,omitempty"`
	GasCap   *big.Int `json:"gas_cap,omitempty"`
	// TotalWei is the worst-case fee: limit times the effective price.
	TotalWei *big.Int `json:"total_wei"`
}

// PaymentResult reports a broadcast settlement.
type PaymentResult struct {
	TxHash    string `json:"tx_hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	AmountWei string `json:"amount_wei"`
	RequestID string `json:"request_id"`
	Nonce     uint64 `json:"nonce"`
}

// Wallet holds one EVM key and settles payment challenges with it.
// Payment submission is serialized so concurrent callers cannot race on
// the account nonce.
type Wallet struct {
	key     *ecdsa.PrivateKey
	keyPath string
	ledger  ledger.Client
	log     logger.Logger

	mu sync.Mutex
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Wallet) {
		w.log = l.Named("wallet")
	}
}

// Load opens the key at keyPath, generating and persisting a fresh key
// on first use. The key file is created with owner-only permissions.
func Load(keyPath string, lc ledger.Client, opts ...Option) (*Wallet, error) {
	w := &Wallet{
		keyPath: keyPath,
		ledger:  lc,
		log:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	key, err := crypto.LoadECDSA(keyPath)
	if err == nil {
		w.key = key
		return w, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, &types.Error{
			Code:    types.ErrWallet,
			Message: fmt.Sprintf("load key %s: %v", keyPath, err),
		}
	}

	if err := w.generate(); err != nil {
		return nil, err
	}
	w.log.Info("generated new wallet key", map[string]any{
		"path":    keyPath,
		"address": w.Address().Hex(),
	})
	return w, nil
}

func (w *Wallet) generate() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return &types.Error{Code: types.ErrWallet, Message: fmt.Sprintf("generate key: %v", err)}
	}
	if dir := filepath.Dir(w.keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &types.Error{Code: types.ErrWallet, Message: fmt.Sprintf("create key dir: %v", err)}
		}
	}
	if err := crypto.SaveECDSA(w.keyPath, key); err != nil {
		return &types.Error{Code: types.ErrWallet, Message: fmt.Sprintf("persist key: %v", err)}
	}
	w.key = key
	return nil
}

// Reset discards the current key and replaces it with a freshly
// generated one. Funds held by the old address are unrecoverable after
// this call.
func (w *Wallet) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	old := w.Address().Hex()
	if err := w.generate(); err != nil {
		return err
	}
	w.log.Warn("wallet key reset", map[string]any{
		"old_address": old,
		"new_address": w.Address().Hex(),
	})
	return nil
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

// Balance reads the on-chain balance of the wallet address.
func (w *Wallet) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := w.ledger.Balance(ctx, w.Address())
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("balance query: %v", err)}
	}
	return bal, nil
}

// EstimateFee quotes the gas cost for an operation. Estimation failures
// fall back to a fixed per-kind gas limit rather than blocking the
// payment; the estimate is padded with headroom either way.
func (w *Wallet) EstimateFee(ctx context.Context, kind OpKind, to common.Address, value *big.Int, data []byte) (*FeeEstimate, error) {
	fees, err := w.ledger.FeeData(ctx)
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("fee data: %v", err)}
	}

	gasLimit, err := w.ledger.EstimateGas(ctx, ledger.CallMsg{
		From:  w.Address(),
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = fallbackGas(kind)
		w.log.Warn("gas estimation failed, using fallback limit", map[string]any{
			"error": err.Error(),
			"limit": gasLimit,
		})
	}
	gasLimit = gasLimit * (100 + feeHeadroomPercent) / 100

	est := &FeeEstimate{GasLimit: gasLimit}
	limit := new(big.Int).SetUint64(gasLimit)
	if fees.Legacy() {
		est.GasPrice = fees.GasPrice
		est.TotalWei = new(big.Int).Mul(limit, fees.GasPrice)
	} else {
		est.GasTip = fees.MaxPriorityFeePerGas
		est.GasCap = fees.MaxFeePerGas
		est.TotalWei = new(big.Int).Mul(limit, fees.MaxFeePerGas)
	}
	return est, nil
}

func fallbackGas(kind OpKind) uint64 {
	if kind == OpFeedback {
		return defaultFeedbackGas
	}
	return defaultPaymentGas
}

// Pay settles a challenge: transfers the challenge price to the
// receiving address with the request id in calldata, signs, broadcasts,
// and returns the transaction hash. It does not wait for confirmation;
// callers present the hash as a settlement proof and let the gateway
// verify depth.
func (w *Wallet) Pay(ctx context.Context, challenge types.PaymentChallenge) (*PaymentResult, error) {
	price, err := decimal.NewFromString(challenge.Price)
	if err != nil || price.Sign() <= 0 {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("challenge price %q is not a positive amount", challenge.Price),
		}
	}
	if err := utils.ValidateAddress(challenge.ReceivingAddress); err != nil {
		return nil, &types.Error{Code: types.ErrValidation, Message: fmt.Sprintf("challenge recipient: %v", err)}
	}
	if challenge.RequestID == "" {
		return nil, &types.Error{Code: types.ErrValidation, Message: "challenge carries no request id"}
	}

	to := common.HexToAddress(challenge.ReceivingAddress)
	value := utils.ToWei(price)
	data := []byte(challenge.RequestID)

	w.mu.Lock()
	defer w.mu.Unlock()

	chainID, err := w.ledger.ChainID(ctx)
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("chain id: %v", err)}
	}
	nonce, err := w.ledger.PendingNonce(ctx, w.Address())
	if err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("pending nonce: %v", err)}
	}
	est, err := w.EstimateFee(ctx, OpPayment, to, value, data)
	if err != nil {
		return nil, err
	}

	var tx *coretypes.Transaction
	if est.GasPrice != nil {
		tx = coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      est.GasLimit,
			GasPrice: est.GasPrice,
			Data:     data,
		})
	} else {
		tx = coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			To:        &to,
			Value:     value,
			Gas:       est.GasLimit,
			GasTipCap: est.GasTip,
			GasFeeCap: est.GasCap,
			Data:      data,
		})
	}

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, &types.Error{Code: types.ErrWallet, Message: fmt.Sprintf("sign transaction: %v", err)}
	}
	if err := w.ledger.SendTransaction(ctx, signed); err != nil {
		return nil, &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("broadcast: %v", err)}
	}

	w.log.Info("settlement broadcast", map[string]any{
		"tx":      signed.Hash().Hex(),
		"to":      to.Hex(),
		"amount":  value.String(),
		"request": challenge.RequestID,
		"nonce":   nonce,
	})
	return &PaymentResult{
		TxHash:    signed.Hash().Hex(),
		From:      w.Address().Hex(),
		To:        to.Hex(),
		AmountWei: value.String(),
		RequestID: challenge.RequestID,
		Nonce:     nonce,
	}, nil
}

// WaitForConfirmation blocks until the transaction is mined or the
// context expires, returning an error if the transaction reverted.
func (w *Wallet) WaitForConfirmation(ctx context.Context, txHash string) error {
	if err := utils.ValidateTransactionHash(txHash); err != nil {
		return &types.Error{Code: types.ErrValidation, Message: err.Error()}
	}
	receipt, err := w.ledger.WaitForConfirmation(ctx, common.HexToHash(txHash))
	if err != nil {
		return &types.Error{Code: types.ErrNetwork, Message: fmt.Sprintf("await confirmation: %v", err)}
	}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		return &types.Error{
			Code:    types.ErrNetwork,
			Message: "settlement transaction reverted",
			Data:    map[string]any{"tx_hash": txHash},
		}
	}
	return nil
}
