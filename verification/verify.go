// Package verification confirms claimed settlements against the ledger and
// enforces exactly-once redemption per payment.
package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/redemption"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/utils"
)

// amountToleranceWei absorbs decimal-to-wei rounding when comparing the
// paid value against the challenge price. It never excuses a short
// payment beyond rounding: one gwei on an 18-decimal asset.
var amountToleranceWei = big.NewInt(1_000_000_000)

// Result reports the outcome of verifying one proof. Confirmed and Reason
// are mutually exclusive.
type Result struct {
	Confirmed     bool   `json:"confirmed"`
	Reason        string `json:"reason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	AmountWei     string `json:"amount_wei,omitempty"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
}

// Verifier checks settlement proofs. Ledger reads are retried with
// bounded backoff on transient failures; they are never used to justify
// re-submitting a payment.
type Verifier struct {
	ledger           ledger.Client
	redeemed         redemption.Set
	minConfirmations uint64
	retryCount       int
	retryDelay       time.Duration
	log              logger.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithRetry overrides the read-retry policy.
func WithRetry(count int, delay time.Duration) Option {
	return func(v *Verifier) {
		v.retryCount = count
		v.retryDelay = delay
	}
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.log = l.Named("verification")
	}
}

// NewVerifier wires a verifier against a ledger client and a redemption
// set. minConfirmations below one is raised to one.
func NewVerifier(lc ledger.Client, set redemption.Set, minConfirmations int, opts ...Option) *Verifier {
	if minConfirmations < 1 {
		minConfirmations = 1
	}
	v := &Verifier{
		ledger:           lc,
		redeemed:         set,
		minConfirmations: uint64(minConfirmations),
		retryCount:       3,
		retryDelay:       500 * time.Millisecond,
		log:              logger.NoopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks the proof against the challenge terms and redeems the
// transaction hash. The sequence is: ledger lookup, confirmation depth,
// recipient, amount, then the atomic check-and-insert into the redemption
// set. A hash already bound to the same request id is idempotent success;
// bound to any other request id it is rejected.
func (v *Verifier) Verify(ctx context.Context, challenge types.PaymentChallenge, proof types.SettlementProof) (*Result, error) {
	if err := utils.ValidateTransactionHash(proof.ChainTxHash); err != nil {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("invalid settlement proof: %v", err),
		}
	}

	tx, err := v.lookupTransaction(ctx, common.HexToHash(proof.ChainTxHash))
	if err != nil {
		if errors.Is(err, ledger.ErrTxNotFound) {
			return &Result{Reason: types.RejectNotFound}, nil
		}
		return nil, &types.Error{
			Code:    types.ErrNetwork,
			Message: fmt.Sprintf("ledger lookup failed: %v", err),
		}
	}

	if tx.Pending || tx.Failed || tx.Confirmations < v.minConfirmations {
		v.log.Debug("settlement below confirmation threshold", map[string]any{
			"tx":            proof.ChainTxHash,
			"pending":       tx.Pending,
			"failed":        tx.Failed,
			"confirmations": tx.Confirmations,
		})
		return &Result{Reason: types.RejectNotFound, Confirmations: tx.Confirmations}, nil
	}

	if tx.To == nil || !strings.EqualFold(tx.To.Hex(), challenge.ReceivingAddress) {
		return &Result{Reason: types.RejectWrongRecipient, Confirmations: tx.Confirmations}, nil
	}

	priceWei := utils.ToWei(mustDecimal(challenge.Price))
	minAcceptable := new(big.Int).Sub(priceWei, amountToleranceWei)
	if minAcceptable.Sign() < 0 {
		minAcceptable.SetInt64(0)
	}
	if tx.Value == nil || tx.Value.Cmp(minAcceptable) < 0 {
		return &Result{
			Reason:        types.RejectInsufficientAmount,
			Confirmations: tx.Confirmations,
			AmountWei:     bigString(tx.Value),
		}, nil
	}

	requestID := challenge.RequestID
	if requestID == "" {
		// Wallets tag settlement transfers with the request id in
		// calldata; recover it when the caller did not echo it back.
		requestID = string(tx.Input)
	}
	if requestID == "" {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: "request id missing from both challenge and transaction calldata",
		}
	}

	outcome, err := v.redeemed.Redeem(ctx, proof.ChainTxHash, requestID)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrNetwork,
			Message: fmt.Sprintf("redemption check failed: %v", err),
		}
	}

	switch outcome {
	case redemption.AlreadyRedeemedOther:
		return &Result{Reason: types.RejectAlreadyRedeemed, Confirmations: tx.Confirmations}, nil
	case redemption.AlreadyRedeemedSame:
		v.log.Info("idempotent re-verify of redeemed settlement", map[string]any{
			"tx":      proof.ChainTxHash,
			"request": requestID,
		})
	}

	return &Result{
		Confirmed:     true,
		Payer:         tx.From.Hex(),
		AmountWei:     bigString(tx.Value),
		Confirmations: tx.Confirmations,
		RequestID:     requestID,
	}, nil
}

// lookupTransaction retries transient ledger failures with doubling
// backoff. ErrTxNotFound is a definitive answer and returns immediately.
func (v *Verifier) lookupTransaction(ctx context.Context, hash common.Hash) (*ledger.TxInfo, error) {
	var lastErr error
	delay := v.retryDelay

	for attempt := 0; attempt <= v.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		tx, err := v.ledger.Transaction(ctx, hash)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, ledger.ErrTxNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("after %d attempts: %w", v.retryCount+1, lastErr)
}

func mustDecimal(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
