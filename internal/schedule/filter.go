package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/ensembleworks/troupegate/internal/troupeapi"
)

type DateBucket string

const (
	BucketToday DateBucket = "today"
	BucketWeek  DateBucket = "week"
	BucketMonth DateBucket = "month"
	BucketAll   DateBucket = "all"
)

func ParseBucket(s string) DateBucket {
	switch DateBucket(s) {
	case BucketToday, BucketWeek, BucketMonth:
		return DateBucket(s)
	default:
		return BucketAll
	}
}

type Filter struct {
	Text   string
	Venue  string
	Bucket DateBucket
	// Now anchors the date buckets, normally time.Now
	Now time.Time
}

// Apply narrows and orders the events. The result is always sorted
// ascending by date then time; an empty result is a valid result.
func Apply(events []troupeapi.ScheduleEvent, f Filter) []troupeapi.ScheduleEvent {
	filtered := make([]troupeapi.ScheduleEvent, 0, len(events))
	for _, event := range events {
		if !matchText(event, f.Text) {
			continue
		}
		if f.Venue != "" && event.Venue != f.Venue {
			continue
		}
		if !matchBucket(event, f.Bucket, f.Now) {
			continue
		}
		filtered = append(filtered, event)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Date != filtered[j].Date {
			return filtered[i].Date < filtered[j].Date
		}
		return filtered[i].Time < filtered[j].Time
	})

	return filtered
}

func matchText(event troupeapi.ScheduleEvent, text string) bool {
	if text == "" {
		return true
	}
	needle := strings.ToLower(text)
	for _, haystack := range []string{event.Title, event.Description, event.Venue} {
		if strings.Contains(strings.ToLower(haystack), needle) {
			return true
		}
	}
	return false
}

// matchBucket buckets by calendar day, counted from local midnight:
// today is [midnight, midnight+24h), week the next 7 days, month the
// next 30. An unparseable event date never matches a bounded bucket.
func matchBucket(event troupeapi.ScheduleEvent, bucket DateBucket, now time.Time) bool {
	if bucket == "" || bucket == BucketAll {
		return true
	}

	eventDay, err := time.ParseInLocation("2006-01-02", event.Date, now.Location())
	if err != nil {
		return false
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var until time.Time
	switch bucket {
	case BucketToday:
		until = midnight.AddDate(0, 0, 1)
	case BucketWeek:
		until = midnight.AddDate(0, 0, 7)
	case BucketMonth:
		until = midnight.AddDate(0, 0, 30)
	}

	return !eventDay.Before(midnight) && eventDay.Before(until)
}
