package attendance

import (
	"math"
	"sort"

	"github.com/ensembleworks/troupegate/internal/troupeapi"
)

// UserStats aggregates one member's attendance history.
// Present + Absent always equals Total.
type UserStats struct {
	UserID   int     `json:"user_id"`
	UserName string  `json:"user_name"`
	Total    int     `json:"total"`
	Present  int     `json:"present"`
	Absent   int     `json:"absent"`
	Rate     float64 `json:"rate"` // percentage, one decimal
}

// Analyze folds raw attendance records into per-user stats, ordered by
// user id. A member with no records gets rate 0, not a division error.
func Analyze(records []troupeapi.AttendanceRecord) []UserStats {
	byUser := make(map[int]*UserStats)
	for _, record := range records {
		stats, ok := byUser[record.UserID]
		if !ok {
			stats = &UserStats{UserID: record.UserID, UserName: record.UserName}
			byUser[record.UserID] = stats
		}
		stats.Total++
		if record.Status == troupeapi.AttendancePresent {
			stats.Present++
		} else {
			stats.Absent++
		}
	}

	result := make([]UserStats, 0, len(byUser))
	for _, stats := range byUser {
		stats.Rate = rate(stats.Present, stats.Total)
		result = append(result, *stats)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})

	return result
}

func rate(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(present)/float64(total)*1000) / 10
}
