package verification

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/redemption"
	"github.com/vitwit/agentpay/types"
)

const (
	payAddress = "0x1111111111111111111111111111111111111111"
	testTx     = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// fakeLedger serves canned transactions and can fail transiently.
type fakeLedger struct {
	txs           map[common.Hash]*ledger.TxInfo
	transientFail int
	calls         int
}

func (f *fakeLedger) Transaction(_ context.Context, hash common.Hash) (*ledger.TxInfo, error) {
	f.calls++
	if f.transientFail > 0 {
		f.transientFail--
		return nil, errors.New("connection reset")
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeLedger) Balance(context.Context, common.Address) (*big.Int, error) { return nil, nil }
func (f *fakeLedger) EstimateGas(context.Context, ledger.CallMsg) (uint64, error) {
	return 0, errors.New("not implemented")
}
func (f *fakeLedger) FeeData(context.Context) (*ledger.FeeData, error)       { return nil, nil }
func (f *fakeLedger) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }
func (f *fakeLedger) ChainID(context.Context) (*big.Int, error)              { return big.NewInt(43113), nil }
func (f *fakeLedger) SendTransaction(context.Context, *coretypes.Transaction) error {
	return errors.New("not implemented")
}
func (f *fakeLedger) WaitForConfirmation(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeLedger) Close() {}

func confirmedTransfer(to string, valueWei int64, requestID string) *ledger.TxInfo {
	addr := common.HexToAddress(to)
	return &ledger.TxInfo{
		Hash:          common.HexToHash(testTx),
		From:          common.HexToAddress("0x2222222222222222222222222222222222222222"),
		To:            &addr,
		Value:         big.NewInt(valueWei),
		Input:         []byte(requestID),
		Confirmations: 3,
	}
}

func testChallenge(requestID string) types.PaymentChallenge {
	return types.PaymentChallenge{
		ToolID:           "cedula-lookup",
		Price:            "0.001",
		Currency:         "AVAX",
		ReceivingAddress: payAddress,
		RequestID:        requestID,
		Expiry:           time.Now().Add(10 * time.Minute),
	}
}

func newTestVerifier(fl *fakeLedger, set redemption.Set) *Verifier {
	return NewVerifier(fl, set, 2, WithRetry(2, time.Millisecond))
}

const priceWei = int64(1_000_000_000_000_000) // 0.001 shifted 18

func TestVerifyConfirmed(t *testing.T) {
	fl := &fakeLedger{txs: map[common.Hash]*ledger.TxInfo{
		common.HexToHash(testTx): confirmedTransfer(payAddress, priceWei, "req-123"),
	}}
	v := newTestVerifier(fl, redemption.NewMemorySet())

	result, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Empty(t, result.Reason)
	assert.Equal(t, "req-123", result.RequestID)
	assert.Equal(t, uint64(3), result.Confirmations)
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		tx     *ledger.TxInfo
		reason string
	}{
		{name: "absent transaction", tx: nil, reason: types.RejectNotFound},
		{
			name: "still pending",
			tx: &ledger.TxInfo{
				Hash:    common.HexToHash(testTx),
				Pending: true,
			},
			reason: types.RejectNotFound,
		},
		{
			name: "below confirmation threshold",
			tx: func() *ledger.TxInfo {
				tx := confirmedTransfer(payAddress, priceWei, "req-123")
				tx.Confirmations = 1
				return tx
			}(),
			reason: types.RejectNotFound,
		},
		{
			name: "reverted",
			tx: func() *ledger.TxInfo {
				tx := confirmedTransfer(payAddress, priceWei, "req-123")
				tx.Failed = true
				return tx
			}(),
			reason: types.RejectNotFound,
		},
		{
			name:   "wrong recipient",
			tx:     confirmedTransfer("0x3333333333333333333333333333333333333333", priceWei, "req-123"),
			reason: types.RejectWrongRecipient,
		},
		{
			name:   "short payment",
			tx:     confirmedTransfer(payAddress, priceWei/2, "req-123"),
			reason: types.RejectInsufficientAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := &fakeLedger{txs: map[common.Hash]*ledger.TxInfo{}}
			if tt.tx != nil {
				fl.txs[common.HexToHash(testTx)] = tt.tx
			}
			v := newTestVerifier(fl, redemption.NewMemorySet())

			result, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
			require.NoError(t, err)
			assert.False(t, result.Confirmed)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

// Rounding tolerance admits a payment one gwei short, nothing more.
func TestVerifyAmountTolerance(t *testing.T) {
	withinTolerance := priceWei - 1_000_000_000
	fl := &fakeLedger{txs: map[common.Hash]*ledger.TxInfo{
		common.HexToHash(testTx): confirmedTransfer(payAddress, withinTolerance, "req-123"),
	}}
	v := newTestVerifier(fl, redemption.NewMemorySet())

	result, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)

	fl.txs[common.HexToHash(testTx)] = confirmedTransfer(payAddress, withinTolerance-1, "req-456")
	result, err = v.Verify(context.Background(), testChallenge("req-456"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.Equal(t, types.RejectInsufficientAmount, result.Reason)
}

// The cedula-lookup trace: challenge, settle, verify, then replay under
// another request id.
func TestVerifyExactlyOnceRedemption(t *testing.T) {
	fl := &fakeLedger{txs: map[common.Hash]*ledger.TxInfo{
		common.HexToHash(testTx): confirmedTransfer(payAddress, priceWei, "req-123"),
	}}
	set := redemption.NewMemorySet()
	v := newTestVerifier(fl, set)
	ctx := context.Background()

	result, err := v.Verify(ctx, testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	require.True(t, result.Confirmed)

	// Same request id again: idempotent confirmed.
	result, err = v.Verify(ctx, testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)

	// Different request id: replay.
	result, err = v.Verify(ctx, testChallenge("req-456"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, types.RejectAlreadyRedeemed, result.Reason)
}

func TestVerifyRecoversRequestIDFromCalldata(t *testing.T) {
	fl := &fakeLedger{txs: map[common.Hash]*ledger.TxInfo{
		common.HexToHash(testTx): confirmedTransfer(payAddress, priceWei, "req-123"),
	}}
	v := newTestVerifier(fl, redemption.NewMemorySet())

	challenge := testChallenge("")
	result, err := v.Verify(context.Background(), challenge, types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, "req-123", result.RequestID)
}

func TestVerifyRetriesTransientFailures(t *testing.T) {
	fl := &fakeLedger{
		transientFail: 2,
		txs: map[common.Hash]*ledger.TxInfo{
			common.HexToHash(testTx): confirmedTransfer(payAddress, priceWei, "req-123"),
		},
	}
	v := newTestVerifier(fl, redemption.NewMemorySet())

	result, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, 3, fl.calls)
}

func TestVerifyExhaustedRetries(t *testing.T) {
	fl := &fakeLedger{transientFail: 10}
	v := newTestVerifier(fl, redemption.NewMemorySet())

	_, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: testTx})
	require.Error(t, err)
	assert.Equal(t, types.ErrNetwork, types.CodeOf(err))
}

func TestVerifyMalformedProof(t *testing.T) {
	v := newTestVerifier(&fakeLedger{}, redemption.NewMemorySet())

	_, err := v.Verify(context.Background(), testChallenge("req-123"), types.SettlementProof{ChainTxHash: "not-a-hash"})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.CodeOf(err))
}
