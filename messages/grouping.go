package messages

import (
	"time"

	"github.com/refillhub/refill-sync/models"
)

type DayGroup struct {
	Label    string           `json:"label"`
	Day      time.Time        `json:"day"`
	Messages []models.Message `json:"messages"`
}

// GroupByDay splits an ordered chat into consecutive calendar days in loc.
// Days are labelled Today, Yesterday or "Mon, 2 Jan 2006" relative to now.
func GroupByDay(msgs []models.Message, now time.Time, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	today := startOfDay(now.In(loc))
	yesterday := today.AddDate(0, 0, -1)

	var groups []DayGroup
	for _, msg := range msgs {
		day := startOfDay(msg.CreatedAt.In(loc))
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, msg)
			continue
		}

		label := day.Format("Mon, 2 Jan 2006")
		switch {
		case day.Equal(today):
			label = "Today"
		case day.Equal(yesterday):
			label = "Yesterday"
		}
		groups = append(groups, DayGroup{Label: label, Day: day, Messages: []models.Message{msg}})
	}
	return groups
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
