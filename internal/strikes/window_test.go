package strikes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestATM(t *testing.T) {
	tests := []struct {
		spot     float64
		interval int
		want     int
	}{
		{24037, 50, 24050},
		{24024, 50, 24000},
		{24025, 50, 24050},
		{51249.9, 100, 51200},
		{51250, 100, 51300},
		{24000, 50, 24000},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ATM(tt.spot, tt.interval), "spot=%v interval=%d", tt.spot, tt.interval)
	}
}

func TestSymmetric(t *testing.T) {
	assert.Equal(t, []int{23900, 23950, 24000, 24050, 24100}, Symmetric(24000, 50, 2))
	assert.Equal(t, []int{24000}, Symmetric(24000, 50, 0))
}

func TestFocused(t *testing.T) {
	got := Focused(24000, 50, 3, 1)
	assert.Equal(t, []int{23950, 24000, 24050, 24100, 24150}, got)
	assert.Len(t, got, 3+1+1)
}

func TestWindowSelect(t *testing.T) {
	atm, got, err := Window{Mode: ModeSymmetric, Size: 2}.Select(24000, 50)
	require.NoError(t, err)
	assert.Equal(t, 24000, atm)
	assert.Equal(t, []int{23900, 23950, 24000, 24050, 24100}, got)

	_, got, err = Window{Mode: ModeFocused, Top: 1, Bottom: 2}.Select(51180, 100)
	require.NoError(t, err)
	assert.Equal(t, []int{51000, 51100, 51200, 51300}, got)

	_, _, err = Window{Mode: "wide"}.Select(24000, 50)
	assert.Error(t, err)
}

func TestRank(t *testing.T) {
	assert.Equal(t, 0, Rank(24000, 24000, 50))
	assert.Equal(t, 2, Rank(23900, 24000, 50))
	assert.Equal(t, 3, Rank(24150, 24000, 50))
}
