package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/topology"
)

var now = time.Date(2024, 6, 3, 14, 30, 0, 0, time.Local)

func active(station string, status models.Status, waitedMinutes int) models.Customer {
	return models.Customer{
		ID:        int64(waitedMinutes),
		BranchID:  "default",
		Station:   station,
		Status:    status,
		CreatedAt: now.Add(-time.Duration(waitedMinutes) * time.Minute),
	}
}

func TestComputeEmptyInputsAreExactZeros(t *testing.T) {
	got := Compute(topology.Default(), nil, nil, now)

	require.Zero(t, got.ActiveCount)
	require.Zero(t, got.CompletedTodayCount)
	require.Equal(t, 0.0, got.AverageWaitTimeMinutes)
	require.Equal(t, 0.0, got.CurrentWaitTimeMinutes)
	require.Empty(t, got.PeakHours)
	require.Len(t, got.StationStats, 4)
	for _, st := range got.StationStats {
		require.Zero(t, st.Count)
	}
}

func TestComputeWaitTimes(t *testing.T) {
	customers := []models.Customer{
		active("TRADE_IN", models.StatusWaiting, 10),
		active("TRADE_IN", models.StatusInProgress, 20),
		active("PAYMENT", models.StatusWaiting, 60),
	}

	got := Compute(topology.Default(), customers, nil, now)

	require.Equal(t, 3, got.ActiveCount)
	require.InDelta(t, 30.0, got.AverageWaitTimeMinutes, 1e-9)
	require.InDelta(t, 60.0, got.CurrentWaitTimeMinutes, 1e-9)

	tradeIn := got.StationStats["TRADE_IN"]
	require.Equal(t, 2, tradeIn.Count)
	require.Equal(t, 1, tradeIn.InProgressCount)
	require.InDelta(t, 15.0, tradeIn.AverageWaitTimeMinutes, 1e-9)

	payment := got.StationStats["PAYMENT"]
	require.Equal(t, 1, payment.Count)
	require.Zero(t, payment.InProgressCount)
	require.InDelta(t, 60.0, payment.AverageWaitTimeMinutes, 1e-9)
}

func TestComputeCompletedToday(t *testing.T) {
	completed := []models.CompletedEntry{
		{Customer: active("DATA_TRANSFER", models.StatusWaiting, 120), CompletedAt: now.Add(-time.Hour)},
		{Customer: active("DATA_TRANSFER", models.StatusWaiting, 180), CompletedAt: now.Add(-26 * time.Hour)},
	}

	got := Compute(topology.Default(), nil, completed, now)

	require.Equal(t, 1, got.CompletedTodayCount)
	require.Equal(t, 1, got.TotalCustomers)
}

func TestPeakHoursTiesBreakTowardLowerHour(t *testing.T) {
	at := func(hour int) models.Customer {
		return models.Customer{CreatedAt: time.Date(2024, 6, 3, hour, 0, 0, 0, time.Local)}
	}
	customers := []models.Customer{
		at(9), at(9), at(9),
		at(14), at(14), at(14),
		at(10), at(10),
		at(11), at(12), at(13), at(8),
	}

	got := Compute(topology.Default(), customers, nil, now)

	require.Len(t, got.PeakHours, 5)
	require.Equal(t, PeakHour{Hour: 9, Count: 3}, got.PeakHours[0])
	require.Equal(t, PeakHour{Hour: 14, Count: 3}, got.PeakHours[1])
	require.Equal(t, PeakHour{Hour: 10, Count: 2}, got.PeakHours[2])
	require.Equal(t, PeakHour{Hour: 8, Count: 1}, got.PeakHours[3])
	require.Equal(t, PeakHour{Hour: 11, Count: 1}, got.PeakHours[4])
}

func TestPeakHoursUseWallClockOfNow(t *testing.T) {
	bangkok, err := time.LoadLocation("Asia/Bangkok")
	require.NoError(t, err)

	// Stored in UTC; 02:00 UTC is 09:00 on the branch's wall clock.
	customers := []models.Customer{
		{CreatedAt: time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC), Station: "TRADE_IN"},
	}
	completed := []models.CompletedEntry{
		{Customer: models.Customer{CreatedAt: time.Date(2024, 6, 3, 2, 30, 0, 0, time.UTC)}, CompletedAt: time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)},
	}

	got := Compute(topology.Default(), customers, completed, time.Date(2024, 6, 3, 14, 30, 0, 0, bangkok))

	require.Equal(t, []PeakHour{{Hour: 9, Count: 2}}, got.PeakHours)
}

func TestPeakHoursIncludeCompletedHistory(t *testing.T) {
	completed := []models.CompletedEntry{
		{Customer: models.Customer{CreatedAt: time.Date(2024, 6, 3, 9, 5, 0, 0, time.Local)}, CompletedAt: now},
	}
	customers := []models.Customer{
		{CreatedAt: time.Date(2024, 6, 3, 9, 45, 0, 0, time.Local), Station: "TRADE_IN"},
	}

	got := Compute(topology.Default(), customers, completed, now)

	require.Equal(t, []PeakHour{{Hour: 9, Count: 2}}, got.PeakHours)
}
