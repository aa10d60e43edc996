// Package stats derives read-only queue metrics from engine snapshots.
// Everything here is a pure function of its inputs; nothing is stored.
package stats

import (
	"sort"
	"time"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/topology"
)

const peakHourCount = 5

type StationStats struct {
	Count                  int     `json:"count"`
	InProgressCount        int     `json:"inProgressCount"`
	AverageWaitTimeMinutes float64 `json:"averageWaitTimeMinutes"`
}

type PeakHour struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type Statistics struct {
	TotalCustomers         int                     `json:"totalCustomers"`
	ActiveCount            int                     `json:"activeCount"`
	CompletedTodayCount    int                     `json:"completedTodayCount"`
	AverageWaitTimeMinutes float64                 `json:"averageWaitTimeMinutes"`
	StationStats           map[string]StationStats `json:"stationStats"`
	PeakHours              []PeakHour              `json:"peakHours"`
	CurrentWaitTimeMinutes float64                 `json:"currentWaitTimeMinutes"`
}

// Compute aggregates metrics over the active set and the bounded completed
// history. Wait times are minutes since creation as of now; empty inputs
// yield exact zeros.
func Compute(topo *topology.Topology, active []models.Customer, completed []models.CompletedEntry, now time.Time) Statistics {
	stationStats := make(map[string]StationStats, len(topo.Stations()))
	for _, s := range topo.Stations() {
		stationStats[s.ID] = StationStats{}
	}

	var totalWait, maxWait float64
	stationWait := make(map[string]float64)
	for _, c := range active {
		wait := now.Sub(c.CreatedAt).Minutes()
		totalWait += wait
		if wait > maxWait {
			maxWait = wait
		}
		st := stationStats[c.Station]
		st.Count++
		if c.Status == models.StatusInProgress {
			st.InProgressCount++
		}
		stationStats[c.Station] = st
		stationWait[c.Station] += wait
	}
	for id, st := range stationStats {
		if st.Count > 0 {
			st.AverageWaitTimeMinutes = stationWait[id] / float64(st.Count)
			stationStats[id] = st
		}
	}

	var averageWait float64
	if len(active) > 0 {
		averageWait = totalWait / float64(len(active))
	}

	year, month, day := now.Date()
	todayStart := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	completedToday := 0
	for _, entry := range completed {
		if !entry.CompletedAt.Before(todayStart) {
			completedToday++
		}
	}

	return Statistics{
		TotalCustomers:         len(active) + completedToday,
		ActiveCount:            len(active),
		CompletedTodayCount:    completedToday,
		AverageWaitTimeMinutes: averageWait,
		StationStats:           stationStats,
		PeakHours:              peakHours(active, completed, now.Location()),
		CurrentWaitTimeMinutes: maxWait,
	}
}

// peakHours ranks hours of day by registration count across the active set
// and the completed history, descending; ties break toward the lower hour.
// Hours are taken in loc, the caller's wall clock, so the histogram lines
// up with the completed-today calendar day.
func peakHours(active []models.Customer, completed []models.CompletedEntry, loc *time.Location) []PeakHour {
	counts := make(map[int]int)
	for _, c := range active {
		counts[c.CreatedAt.In(loc).Hour()]++
	}
	for _, entry := range completed {
		counts[entry.CreatedAt.In(loc).Hour()]++
	}

	hours := make([]PeakHour, 0, len(counts))
	for hour, count := range counts {
		hours = append(hours, PeakHour{Hour: hour, Count: count})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].Count != hours[j].Count {
			return hours[i].Count > hours[j].Count
		}
		return hours[i].Hour < hours[j].Hour
	})
	if len(hours) > peakHourCount {
		hours = hours[:peakHourCount]
	}
	return hours
}
