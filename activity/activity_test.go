package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tz4.dev/signer/watermark"
)

func event(level uint32) Event {
	return Event{
		Role:      RoleConsensus,
		Kind:      watermark.KindAttestation,
		Level:     level,
		Size:      128,
		Duration:  42 * time.Millisecond,
		Timestamp: time.Now(),
	}
}

func TestRingEmpty(t *testing.T) {
	var r Ring
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.OldestFirst())
}

func TestRingPushAndIterate(t *testing.T) {
	var r Ring
	r.Push(event(100))
	r.Push(event(101))

	got := r.OldestFirst()
	require.Len(t, got, 2)
	require.Equal(t, uint32(100), got[0].Level)
	require.Equal(t, uint32(101), got[1].Level)
}

func TestRingExactlyFull(t *testing.T) {
	var r Ring
	for level := uint32(1); level <= 5; level++ {
		r.Push(event(level))
	}
	levels := []uint32{}
	for _, e := range r.OldestFirst() {
		levels = append(levels, e.Level)
	}
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, levels)
}

func TestRingOverflowDropsOldest(t *testing.T) {
	var r Ring
	for level := uint32(1); level <= 7; level++ {
		r.Push(event(level))
	}
	levels := []uint32{}
	for _, e := range r.OldestFirst() {
		levels = append(levels, e.Level)
	}
	require.Equal(t, []uint32{3, 4, 5, 6, 7}, levels)
}

func TestTrackerRoles(t *testing.T) {
	var tr Tracker

	_, ok := tr.Last(RoleConsensus)
	require.False(t, ok)

	tr.Record(event(100), [4]byte{1, 2, 3, 4})
	companionEvent := event(101)
	companionEvent.Role = RoleCompanion
	tr.Record(companionEvent, [4]byte{1, 2, 3, 4})

	got, ok := tr.Last(RoleConsensus)
	require.True(t, ok)
	require.Equal(t, uint32(100), got.Level)

	got, ok = tr.Last(RoleCompanion)
	require.True(t, ok)
	require.Equal(t, uint32(101), got.Level)

	cid, ok := tr.ChainID()
	require.True(t, ok)
	require.Equal(t, [4]byte{1, 2, 3, 4}, cid)
}

func TestHasRecentActivity(t *testing.T) {
	var tr Tracker
	require.False(t, tr.HasRecentActivity(time.Minute))

	old := event(100)
	old.Timestamp = time.Now().Add(-2 * time.Minute)
	tr.Record(old, [4]byte{})
	require.False(t, tr.HasRecentActivity(time.Minute))
	require.True(t, tr.HasRecentActivity(3*time.Minute))

	tr.Record(event(101), [4]byte{})
	require.True(t, tr.HasRecentActivity(time.Minute))
}
