package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/queue"
	"github.com/astronien/smart-queue-system/internal/store"
	"github.com/astronien/smart-queue-system/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *sqlite.Store) models.Customer {
	t.Helper()
	c, err := s.CreateCustomer(context.Background(), store.CreateCustomerInput{
		BranchID:  "default",
		FirstName: "Somchai",
		LastName:  "Dee",
		Phone:     "0811234567",
		Station:   "TRADE_IN",
	})
	require.NoError(t, err)
	return c
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openStore(t)
	dst := openStore(t)
	ctx := context.Background()

	seeded := seed(t, src)
	b, err := Export(ctx, src, "default")
	require.NoError(t, err)
	require.Equal(t, Version, b.Version)
	require.Equal(t, int64(2), b.Counter)

	raw, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, Import(ctx, dst, "default", bytes.NewReader(raw)))

	customers, err := dst.ListCustomers(ctx, store.ListFilter{BranchID: "default"})
	require.NoError(t, err)
	require.Len(t, customers, 1)
	require.Equal(t, seeded.QueueNumber, customers[0].QueueNumber)

	counter, err := dst.GetCounter(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(2), counter)
}

func TestImportTruncatedBackupLeavesStateUntouched(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seeded := seed(t, s)
	before, err := s.GetCounter(ctx, "default")
	require.NoError(t, err)

	truncated := `{"version":"1.0","customers":[{"id":1,"queueNum`
	err = Import(ctx, s, "default", strings.NewReader(truncated))
	var verr *queue.ValidationError
	require.ErrorAs(t, err, &verr)

	customers, err := s.ListCustomers(ctx, store.ListFilter{BranchID: "default"})
	require.NoError(t, err)
	require.Len(t, customers, 1)
	require.Equal(t, seeded.ID, customers[0].ID)

	after, err := s.GetCounter(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestImportRejectsBadRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
	}{
		{"negative counter", `{"version":"1.0","counter":-1,"customers":[]}`},
		{"missing queue number", `{"version":"1.0","counter":1,"customers":[{"id":1}]}`},
		{"duplicate id", `{"version":"1.0","counter":1,"customers":[{"id":1,"queueNumber":"A001"},{"id":1,"queueNumber":"A002"}]}`},
		{"bad status", `{"version":"1.0","counter":1,"customers":[{"id":1,"queueNumber":"A001","status":"DONE"}]}`},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := Import(ctx, s, "default", strings.NewReader(tt.body))
			var verr *queue.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestWriteCSV(t *testing.T) {
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	customers := []models.Customer{{
		QueueNumber: "A001",
		FirstName:   "Somchai",
		LastName:    "Dee",
		Phone:       "0811234567",
		Station:     "PAYMENT",
		Status:      models.StatusWaiting,
		CreatedAt:   now.Add(-30 * time.Minute),
	}}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, customers, now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "Queue Number")
	require.Contains(t, lines[1], "A001")
	require.Contains(t, lines[1], "30")
}
