package messages

import (
	"testing"
	"time"

	"github.com/refillhub/refill-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupByDay(t *testing.T) {
	loc := time.FixedZone("SAST", 2*60*60)
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, loc)
	at := func(day, hour int) models.Message {
		return models.Message{ID: time.Date(2024, 5, day, hour, 0, 0, 0, loc).Format(time.RFC3339), CreatedAt: time.Date(2024, 5, day, hour, 0, 0, 0, loc)}
	}

	msgs := []models.Message{at(3, 10), at(3, 18), at(9, 23), at(10, 1), at(10, 8)}
	groups := GroupByDay(msgs, now, loc)

	require.Len(t, groups, 3)
	assert.Equal(t, "Fri, 3 May 2024", groups[0].Label)
	assert.Len(t, groups[0].Messages, 2)
	assert.Equal(t, "Yesterday", groups[1].Label)
	assert.Equal(t, "Today", groups[2].Label)
	assert.Equal(t, []models.Message{at(10, 1), at(10, 8)}, groups[2].Messages)
}

func TestGroupByDayUsesLocation(t *testing.T) {
	// 23:30 UTC on the 9th is already the 10th in Johannesburg.
	msg := models.Message{ID: "m", CreatedAt: time.Date(2024, 5, 9, 23, 30, 0, 0, time.UTC)}
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, "Yesterday", GroupByDay([]models.Message{msg}, now, time.UTC)[0].Label)
	assert.Equal(t, "Today", GroupByDay([]models.Message{msg}, now, time.FixedZone("SAST", 2*60*60))[0].Label)
}

func TestGroupByDayEmpty(t *testing.T) {
	assert.Empty(t, GroupByDay(nil, time.Now(), nil))
}
