package avidachat

import (
	"sort"
	"time"
)

// TimelineKind distinguishes timeline entries.
type TimelineKind int

const (
	// ItemDaySeparator marks a day boundary between messages.
	ItemDaySeparator TimelineKind = iota
	// ItemMessage is a regular message entry.
	ItemMessage
)

// TimelineItem is one entry of the rendered conversation view: either a
// date separator or a message.
type TimelineItem struct {
	Kind    TimelineKind
	Date    time.Time
	Message *Message
}

// BuildTimeline produces the render-agnostic chronological view over a
// message set: messages sorted by (created_at, insertion sequence) with a
// day-boundary separator preceding each new calendar day. It is a pure
// function of its input; the reconciler appends by arrival and this re-sort
// is what keeps racing arrivals (REST ack vs. push echo) from ever showing a
// shuffled history.
//
// loc determines day boundaries; nil means time.Local.
func BuildTimeline(msgs []Message, loc *time.Location) []TimelineItem {
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	items := make([]TimelineItem, 0, len(sorted)+len(sorted)/4+1)
	var lastDay time.Time
	for i := range sorted {
		day := dayOf(sorted[i].CreatedAt, loc)
		if lastDay.IsZero() || !day.Equal(lastDay) {
			items = append(items, TimelineItem{Kind: ItemDaySeparator, Date: day})
			lastDay = day
		}
		items = append(items, TimelineItem{Kind: ItemMessage, Date: sorted[i].CreatedAt, Message: &sorted[i]})
	}
	return items
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
