package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatform_TenPercent(t *testing.T) {
	s, err := Parse("10", "0", 0)
	require.NoError(t, err)

	split := s.Platform(10_000)
	assert.Equal(t, int64(1_000), split.Fee)
	assert.Equal(t, int64(9_000), split.ToSeller)
}

func TestPlatform_RoundsHalfUpAndConserves(t *testing.T) {
	s, err := Parse("2.5", "0", 0)
	require.NoError(t, err)

	for _, amount := range []int64{1, 19, 20, 333, 999_999} {
		split := s.Platform(amount)
		assert.Equal(t, amount, split.Fee+split.ToSeller, "amount %d", amount)
		assert.GreaterOrEqual(t, split.Fee, int64(0))
	}
	// 2.5% of 20 is exactly 0.5 which rounds up to 1.
	assert.Equal(t, int64(1), s.Platform(20).Fee)
}

func TestWithdrawal_FlatPlusPercent(t *testing.T) {
	s, err := Parse("10", "1.5", 25)
	require.NoError(t, err)

	q := s.Withdrawal(10_000)
	assert.Equal(t, int64(175), q.Fee)
	assert.Equal(t, int64(9_825), q.Net)
}

func TestWithdrawal_FeeNeverExceedsGross(t *testing.T) {
	s, err := Parse("0", "0", 500)
	require.NoError(t, err)

	q := s.Withdrawal(100)
	assert.Equal(t, int64(100), q.Fee)
	assert.Equal(t, int64(0), q.Net)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse("abc", "0", 0)
	assert.Error(t, err)
	_, err = Parse("100", "0", 0)
	assert.Error(t, err)
	_, err = Parse("10", "-1", 0)
	assert.Error(t, err)
	_, err = Parse("10", "1", -5)
	assert.Error(t, err)
}

func TestParse_EmptyMeansZero(t *testing.T) {
	s, err := Parse("", "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Platform(1000).Fee)
}
