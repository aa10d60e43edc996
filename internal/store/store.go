package store

import (
	"context"
	"fmt"
	"time"

	"github.com/astronien/smart-queue-system/internal/models"
)

const (
	ticketPrefix    = "A"
	ticketNumberPad = 3

	// CompletedHistoryLimit bounds the per-branch completed ring. Appends
	// trim to this size in the same transaction.
	CompletedHistoryLimit = 100
)

// FormatTicketNumber renders a counter value as a human-facing queue
// number: letter prefix plus a zero-padded decimal, minimum width 3.
// Past 999 the width simply grows; there is no prefix rollover.
func FormatTicketNumber(seq int64) string {
	return fmt.Sprintf("%s%0*d", ticketPrefix, ticketNumberPad, seq)
}

type CreateCustomerInput struct {
	BranchID        string
	FirstName       string
	LastName        string
	Phone           string
	Station         string
	CustomFieldData map[string]any
	CreatedAt       time.Time
}

type ListFilter struct {
	BranchID string
	Station  string
	Status   models.Status
}

// Snapshot is the full durable state of one branch, used by backup
// export/import and by reconnecting realtime observers.
type Snapshot struct {
	Customers []models.Customer            `json:"customers"`
	Counter   int64                        `json:"counter"`
	Settings  *models.RegistrationSettings `json:"settings,omitempty"`
	Completed []models.CompletedEntry      `json:"completed,omitempty"`
}

// Store is the persistence contract shared by the embedded and relational
// adapters. Every method is potentially failing and context-bound; the
// queue engine never assumes synchronicity.
//
// CreateCustomer draws the branch ticket counter and inserts the customer
// in one atomic unit: no ticket number is considered issued unless the
// insert durably succeeds, and no two calls for the same branch ever
// receive the same number.
type Store interface {
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (models.Customer, error)
	GetCustomer(ctx context.Context, branchID string, id int64) (models.Customer, error)
	ListCustomers(ctx context.Context, filter ListFilter) ([]models.Customer, error)
	UpdateCustomer(ctx context.Context, customer models.Customer) (models.Customer, error)
	UpdateCustomerState(ctx context.Context, branchID string, id int64, station string, status models.Status) (models.Customer, error)
	DeleteCustomer(ctx context.Context, branchID string, id int64) error

	// CompleteCustomer removes the customer from the active set and appends
	// a snapshot to the completed ring, trimming to CompletedHistoryLimit,
	// all in one transaction.
	CompleteCustomer(ctx context.Context, branchID string, id int64, completedAt time.Time) (models.CompletedEntry, error)
	ListCompleted(ctx context.Context, branchID string, limit int) ([]models.CompletedEntry, error)

	// GetCounter returns the next ticket number that would be issued for
	// the branch (1 if none was ever issued).
	GetCounter(ctx context.Context, branchID string) (int64, error)

	GetSettings(ctx context.Context, branchID string) (models.RegistrationSettings, bool, error)
	PutSettings(ctx context.Context, settings models.RegistrationSettings) (models.RegistrationSettings, error)

	ExportSnapshot(ctx context.Context, branchID string) (Snapshot, error)
	// ImportSnapshot atomically replaces the branch state with the given
	// snapshot. On error the previous state is left untouched.
	ImportSnapshot(ctx context.Context, branchID string, snap Snapshot) error
	// ClearBranch removes customers, history and settings and resets the
	// counter for the branch.
	ClearBranch(ctx context.Context, branchID string) error

	Close() error
}
