package spec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testClock() *Clock {
	cfg := Mainnet()
	cfg.GenesisTime = 1000
	return NewClock(cfg)
}

func TestSlotAt(t *testing.T) {
	c := testClock()
	require.Equal(t, uint64(0), c.SlotAt(time.Unix(1000, 0)))
	require.Equal(t, uint64(0), c.SlotAt(time.Unix(1005, 0)))
	require.Equal(t, uint64(1), c.SlotAt(time.Unix(1012, 0)))
	require.Equal(t, uint64(100), c.SlotAt(time.Unix(1000+100*12, 0)))
}

func TestEpochOf(t *testing.T) {
	c := testClock()
	require.Equal(t, uint64(0), c.EpochOf(0))
	require.Equal(t, uint64(0), c.EpochOf(31))
	require.Equal(t, uint64(1), c.EpochOf(32))
	require.Equal(t, uint64(3), c.EpochOf(100))
}

func TestStartTimeRoundTrip(t *testing.T) {
	c := testClock()
	for _, slot := range []uint64{0, 1, 100, 99999} {
		st := c.StartTime(slot)
		require.Equal(t, slot, c.SlotAt(st.Add(time.Millisecond)))
	}
}

func TestDeadlines(t *testing.T) {
	c := testClock()
	start := c.StartTime(10)
	require.Equal(t, start.Add(4*time.Second), c.AttestationDeadline(10))
	require.Equal(t, start.Add(8*time.Second), c.AggregationDeadline(10))
	require.Equal(t, start.Add(4*time.Second), c.NoHeadAttestationDeadline(10))
}

func TestForkVersionAt(t *testing.T) {
	c := testClock()
	c.cfg.Forks = ForkSchedule{
		0:   {0x00, 0x00, 0x00, 0x00},
		100: {0x01, 0x00, 0x00, 0x00},
	}
	v, ok := c.ForkVersionAt(50)
	require.True(t, ok)
	require.Equal(t, ForkVersion{0x00, 0x00, 0x00, 0x00}, v)

	v, ok = c.ForkVersionAt(150)
	require.True(t, ok)
	require.Equal(t, ForkVersion{0x01, 0x00, 0x00, 0x00}, v)
}

func TestSyncCommitteePeriodOf(t *testing.T) {
	c := testClock()
	require.Equal(t, uint64(0), c.SyncCommitteePeriodOf(0))
	require.Equal(t, uint64(1), c.SyncCommitteePeriodOf(256))
}
