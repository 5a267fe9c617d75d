package utils

import (
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount  string
		wantErr bool
	}{
		{amount: "0.001"},
		{amount: "0"},
		{amount: "1000000"},
		{amount: "", wantErr: true},
		{amount: "-0.001", wantErr: true},
		{amount: "abc", wantErr: true},
		{amount: "1.2.3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			dec, err := ValidateAmount(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.amount, dec.String())
		})
	}
}

func TestValidateTransactionHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	require.NoError(t, ValidateTransactionHash(valid))

	for _, hash := range []string{
		"",
		strings.Repeat("ab", 33),
		"0x" + strings.Repeat("ab", 31),
		"0x" + strings.Repeat("zz", 32),
	} {
		assert.Error(t, ValidateTransactionHash(hash), "hash %q", hash)
	}
}

func TestValidateAddress(t *testing.T) {
	require.NoError(t, ValidateAddress("0x1111111111111111111111111111111111111111"))
	require.NoError(t, ValidateAddress("0xAbCd111111111111111111111111111111111111"))

	for _, addr := range []string{
		"",
		"1111111111111111111111111111111111111111",
		"0x11",
		"0xzz11111111111111111111111111111111111111",
	} {
		assert.Error(t, ValidateAddress(addr), "address %q", addr)
	}
}

func TestWeiConversion(t *testing.T) {
	amount := decimal.RequireFromString("0.001")
	wei := ToWei(amount)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), wei)
	assert.True(t, FromWei(wei).Equal(amount))

	assert.True(t, FromWei(nil).IsZero())
}

func TestTruncateWithEllipsis(t *testing.T) {
	assert.Equal(t, "short", TruncateWithEllipsis("short", 10))
	assert.Equal(t, "exactly-10", TruncateWithEllipsis("exactly-10", 10))
	assert.Equal(t, "0123456789...", TruncateWithEllipsis("0123456789abc", 10))
	assert.Equal(t, "", TruncateWithEllipsis("anything", 0))

	// Rune-aware: multibyte input is not split mid-character.
	assert.Equal(t, "héllo...", TruncateWithEllipsis("héllo wörld", 5))
}
