// Package backup moves branch state in and out of the system as files:
// a versioned JSON backup for restore, and a CSV report for export. A
// malformed backup is rejected in full before any write, so existing
// state is never left half-replaced.
package backup

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/queue"
	"github.com/astronien/smart-queue-system/internal/store"
)

const Version = "1.0"

type Backup struct {
	Version   string                       `json:"version"`
	Timestamp time.Time                    `json:"timestamp"`
	Customers []models.Customer            `json:"customers"`
	Counter   int64                        `json:"counter"`
	Settings  *models.RegistrationSettings `json:"settings,omitempty"`
	Completed []models.CompletedEntry      `json:"completed,omitempty"`
}

// Export reads the branch snapshot and wraps it in the backup envelope.
func Export(ctx context.Context, st store.Store, branchID string) (Backup, error) {
	snap, err := st.ExportSnapshot(ctx, branchID)
	if err != nil {
		return Backup{}, err
	}
	return Backup{
		Version:   Version,
		Timestamp: time.Now().UTC(),
		Customers: snap.Customers,
		Counter:   snap.Counter,
		Settings:  snap.Settings,
		Completed: snap.Completed,
	}, nil
}

// Import validates and applies a backup. Decode or validation failures
// return a ValidationError and leave the stored state exactly as it was.
func Import(ctx context.Context, st store.Store, branchID string, r io.Reader) error {
	decoder := json.NewDecoder(r)
	var b Backup
	if err := decoder.Decode(&b); err != nil {
		return &queue.ValidationError{Field: "backup", Reason: fmt.Sprintf("malformed backup file: %v", err)}
	}
	if err := validate(b); err != nil {
		return err
	}
	return st.ImportSnapshot(ctx, branchID, store.Snapshot{
		Customers: b.Customers,
		Counter:   b.Counter,
		Settings:  b.Settings,
		Completed: b.Completed,
	})
}

func validate(b Backup) error {
	if b.Counter < 0 {
		return &queue.ValidationError{Field: "counter", Reason: "must not be negative"}
	}
	seen := make(map[int64]bool, len(b.Customers))
	for i, c := range b.Customers {
		where := "customers[" + strconv.Itoa(i) + "]"
		if c.ID <= 0 {
			return &queue.ValidationError{Field: where, Reason: "id must be positive"}
		}
		if seen[c.ID] {
			return &queue.ValidationError{Field: where, Reason: "duplicate customer id"}
		}
		seen[c.ID] = true
		if c.QueueNumber == "" {
			return &queue.ValidationError{Field: where, Reason: "queueNumber is required"}
		}
		if c.Status != "" && !models.ValidStatus(c.Status) {
			return &queue.ValidationError{Field: where, Reason: "unknown status " + string(c.Status)}
		}
	}
	return nil
}

var csvHeader = []string{"Queue Number", "First Name", "Last Name", "Phone", "Station", "Status", "Created At", "Wait Time (min)"}

// WriteCSV renders the active customer list as a report, one row per
// customer with the wait time as of now.
func WriteCSV(w io.Writer, customers []models.Customer, now time.Time) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range customers {
		wait := strconv.Itoa(int(now.Sub(c.CreatedAt).Minutes()))
		record := []string{
			c.QueueNumber,
			c.FirstName,
			c.LastName,
			c.Phone,
			c.Station,
			string(c.Status),
			c.CreatedAt.Format(time.RFC3339),
			wait,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
