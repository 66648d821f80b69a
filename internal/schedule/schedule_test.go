package schedule

import (
	"errors"
	"math/big"
	"testing"
	"time"

	derrors "distributor/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 60 * 60 * 24

func TestCurrentPhaseNumber_AllPhases(t *testing.T) {
	const safeRange = 60 * 60
	now := uint64(1_700_000_000)

	for n := uint8(1); n <= PhasesNum; n++ {
		s := Schedule{
			Start:    now - uint64(n-1)*day - safeRange,
			Interval: day,
		}

		phase, err := CurrentPhaseNumber(s, now)
		require.NoError(t, err)
		assert.Equal(t, n, phase, "phase %d", n)
	}
}

func TestCurrentPhaseNumber_Boundaries(t *testing.T) {
	s := Schedule{Start: 1000, Interval: 60}

	tests := []struct {
		name     string
		now      uint64
		expected uint8
	}{
		{"exactly at start", 1000, 1},
		{"last second of phase 1", 1059, 1},
		{"first second of phase 2", 1060, 2},
		{"activation of phase 8", 1000 + 7*60, 8},
		{"far beyond phase 8", 1000 + 1000*60, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phase, err := CurrentPhaseNumber(s, tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, phase)
		})
	}
}

func TestCurrentPhaseNumber_NotYetStarted(t *testing.T) {
	s := Schedule{Start: 1000, Interval: 60}

	_, err := CurrentPhaseNumber(s, 999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, derrors.ErrNotYetStarted))
}

func TestCurrentPhaseNumber_ZeroInterval(t *testing.T) {
	_, err := CurrentPhaseNumber(Schedule{Start: 10, Interval: 0}, 20)
	assert.True(t, errors.Is(err, derrors.ErrInvalidSchedule))
}

func TestCumulativePercentTable(t *testing.T) {
	expected := map[uint8]uint64{1: 10, 2: 20, 3: 30, 4: 40, 5: 50, 6: 60, 7: 80, 8: 100}

	for n, pct := range expected {
		got, err := CumulativePercentForPhase(n)
		require.NoError(t, err)
		assert.Equal(t, pct, got, "phase %d", n)
	}

	for _, n := range []uint8{0, 9, 255} {
		_, err := CumulativePercentForPhase(n)
		assert.True(t, errors.Is(err, derrors.ErrInvalidPhase), "phase %d", n)
	}
}

func TestPercentForPhase(t *testing.T) {
	for n := uint8(1); n <= PhasesNum; n++ {
		pct, err := PercentForPhase(n)
		require.NoError(t, err)
		if n < 7 {
			assert.Equal(t, uint64(10), pct)
		} else {
			assert.Equal(t, uint64(20), pct)
		}
	}

	_, err := PercentForPhase(9)
	assert.Error(t, err)
}

func TestActivationTime(t *testing.T) {
	s := Schedule{Start: 1535101200, Interval: 60}

	for n := uint8(1); n <= PhasesNum; n++ {
		at, err := ActivationTime(s, n)
		require.NoError(t, err)
		assert.Equal(t, s.Start+uint64(n-1)*60, at)
	}

	_, err := ActivationTime(s, 9)
	assert.True(t, errors.Is(err, derrors.ErrInvalidPhase))
}

func TestTokensAvailableForPhase(t *testing.T) {
	tests := []struct {
		total    int64
		phase    uint8
		expected int64
	}{
		{100, 1, 10},
		{100, 3, 30},
		{100, 7, 80},
		{100, 8, 100},
		// 向下取整
		{3, 1, 0},
		{15, 1, 1},
		{99, 7, 79},
		{1, 8, 1},
	}

	for _, tt := range tests {
		got, err := TokensAvailableForPhase(big.NewInt(tt.total), tt.phase)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got.Int64(), "total=%d phase=%d", tt.total, tt.phase)
	}

	_, err := TokensAvailableForPhase(big.NewInt(100), 0)
	assert.Error(t, err)
}

func TestTokensAvailableForPhase_NonDecreasing(t *testing.T) {
	total, ok := new(big.Int).SetString("560000000000000000000000007", 10)
	require.True(t, ok)

	prev := big.NewInt(0)
	for n := uint8(1); n <= PhasesNum; n++ {
		got, err := TokensAvailableForPhase(total, n)
		require.NoError(t, err)
		assert.True(t, got.Cmp(prev) >= 0)
		prev = got
	}
	assert.Equal(t, 0, prev.Cmp(total))
}

func TestFixedClock(t *testing.T) {
	clock := NewFixedClockUnix(1000)
	assert.Equal(t, uint64(1000), UnixNow(clock))

	clock.Advance(90 * time.Second)
	assert.Equal(t, uint64(1090), UnixNow(clock))

	clock.Set(time.Unix(-5, 0))
	assert.Equal(t, uint64(0), UnixNow(clock))
}
