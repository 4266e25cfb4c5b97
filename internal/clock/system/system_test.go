package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, got.After(before) && got.Before(after), "clock drifted: %v", got)
	require.False(t, clk.Now().Before(got))
}
