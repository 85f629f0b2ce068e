package utils

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(sdkmath.ZeroInt()))
	assert.NoError(t, ValidateAmount(sdkmath.NewInt(1)))
	assert.ErrorIs(t, ValidateAmount(sdkmath.Int{}), ErrAmountNil)
	assert.ErrorIs(t, ValidateAmount(sdkmath.NewInt(-1)), ErrAmountNegative)
}

func TestMulBpsTruncates(t *testing.T) {
	got, err := MulBps(sdkmath.NewInt(1000), 2500)
	require.NoError(t, err)
	assert.True(t, got.Equal(sdkmath.NewInt(250)))

	// 999 * 1 / 10000 truncates to zero.
	got, err = MulBps(sdkmath.NewInt(999), 1)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = MulBps(sdkmath.NewInt(12345), 10000)
	require.NoError(t, err)
	assert.True(t, got.Equal(sdkmath.NewInt(12345)))

	got, err = MulBps(sdkmath.NewInt(12345), 0)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestMulBpsRejectsBadInputs(t *testing.T) {
	_, err := MulBps(sdkmath.NewInt(100), -1)
	assert.ErrorIs(t, err, ErrBpsOutOfRange)
	_, err = MulBps(sdkmath.NewInt(100), 10001)
	assert.ErrorIs(t, err, ErrBpsOutOfRange)
	_, err = MulBps(sdkmath.Int{}, 100)
	assert.ErrorIs(t, err, ErrAmountNil)
	_, err = MulBps(sdkmath.NewInt(-5), 100)
	assert.ErrorIs(t, err, ErrAmountNegative)
}

func TestBpsOf(t *testing.T) {
	got, err := BpsOf(sdkmath.NewInt(250), sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got)

	// Truncation: 1/3 of the total is 3333 bps, never rounded up.
	got, err = BpsOf(sdkmath.NewInt(1), sdkmath.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, int64(3333), got)

	got, err = BpsOf(sdkmath.ZeroInt(), sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Zero(t, got)

	_, err = BpsOf(sdkmath.NewInt(1), sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrZeroTotal)
	_, err = BpsOf(sdkmath.Int{}, sdkmath.NewInt(10))
	assert.ErrorIs(t, err, ErrAmountNil)
}

func TestMins(t *testing.T) {
	assert.Equal(t, int64(3), MinInt64(3, 7))
	assert.Equal(t, int64(3), MinInt64(7, 3))
	assert.True(t, MinInt(sdkmath.NewInt(4), sdkmath.NewInt(9)).Equal(sdkmath.NewInt(4)))
	assert.True(t, MinInt(sdkmath.NewInt(9), sdkmath.NewInt(4)).Equal(sdkmath.NewInt(4)))
}
