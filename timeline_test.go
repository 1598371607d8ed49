package avidachat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTimelineEmpty(t *testing.T) {
	assert.Empty(t, BuildTimeline(nil, time.UTC))
}

func TestBuildTimelineOrdersAndSeparates(t *testing.T) {
	day1 := time.Date(2026, 8, 29, 22, 15, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 9, 5, 0, 0, time.UTC)

	// Arrival order is shuffled on purpose; the timeline re-sorts.
	msgs := []Message{
		{ID: "m3", CreatedAt: day2.Add(time.Minute), Seq: 3},
		{ID: "m1", CreatedAt: day1, Seq: 1},
		{ID: "m2", CreatedAt: day2, Seq: 2},
	}

	items := BuildTimeline(msgs, time.UTC)
	require.Len(t, items, 5)

	assert.Equal(t, ItemDaySeparator, items[0].Kind)
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), items[0].Date)
	assert.Equal(t, "m1", items[1].Message.ID)
	assert.Equal(t, ItemDaySeparator, items[2].Kind)
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), items[2].Date)
	assert.Equal(t, "m2", items[3].Message.ID)
	assert.Equal(t, "m3", items[4].Message.ID)
}

func TestBuildTimelineTieBreakBySeq(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "later", CreatedAt: at, Seq: 2},
		{ID: "earlier", CreatedAt: at, Seq: 1},
	}

	items := BuildTimeline(msgs, time.UTC)
	require.Len(t, items, 3)
	assert.Equal(t, "earlier", items[1].Message.ID)
	assert.Equal(t, "later", items[2].Message.ID)
}

func TestBuildTimelineDayBoundaryUsesLocation(t *testing.T) {
	// 23:30 UTC on the 29th is already the 30th in UTC+2.
	late := time.Date(2026, 8, 29, 23, 30, 0, 0, time.UTC)
	next := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "m1", CreatedAt: late, Seq: 1},
		{ID: "m2", CreatedAt: next, Seq: 2},
	}

	plusTwo := time.FixedZone("UTC+2", 2*60*60)
	items := BuildTimeline(msgs, plusTwo)

	separators := 0
	for _, it := range items {
		if it.Kind == ItemDaySeparator {
			separators++
		}
	}
	assert.Equal(t, 1, separators, "both messages fall on the 30th in UTC+2")
}

func TestBuildTimelineDoesNotMutateInput(t *testing.T) {
	msgs := []Message{
		{ID: "b", CreatedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), Seq: 2},
		{ID: "a", CreatedAt: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC), Seq: 1},
	}
	BuildTimeline(msgs, time.UTC)
	assert.Equal(t, "b", msgs[0].ID)
}
