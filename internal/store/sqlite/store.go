// Package sqlite is the embedded persistence adapter: a single-file SQLite
// database for the single-device deployment shape. The database runs with
// one writer connection, so the counter's read-modify-write is race-free
// within one device; sharing the file across devices is not supported.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. WAL mode allows concurrent
// reads during writes; the connection pool is capped at one writer to
// avoid SQLITE_BUSY contention.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("create customer", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	row := tx.QueryRowContext(ctx, `
		INSERT INTO counters (branch_id, next_number) VALUES (?, 2)
		ON CONFLICT(branch_id) DO UPDATE SET next_number = counters.next_number + 1
		RETURNING next_number - 1
	`, input.BranchID)
	if err = row.Scan(&seq); err != nil {
		return models.Customer{}, store.WrapPersistence("next ticket number", err)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	fields, err := marshalFields(input.CustomFieldData)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("encode custom fields", err)
	}

	customer := models.Customer{
		QueueNumber:     store.FormatTicketNumber(seq),
		BranchID:        input.BranchID,
		FirstName:       input.FirstName,
		LastName:        input.LastName,
		Phone:           input.Phone,
		Station:         input.Station,
		Status:          models.StatusWaiting,
		CreatedAt:       createdAt,
		CustomFieldData: input.CustomFieldData,
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO customers (branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, customer.BranchID, customer.QueueNumber, customer.FirstName, customer.LastName, customer.Phone, customer.Station, customer.Status, customer.CreatedAt, fields)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("insert customer", err)
	}
	if customer.ID, err = result.LastInsertId(); err != nil {
		return models.Customer{}, store.WrapPersistence("insert customer", err)
	}

	if err = tx.Commit(); err != nil {
		return models.Customer{}, store.WrapPersistence("create customer", err)
	}
	return customer, nil
}

const customerColumns = "id, branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields"

func (s *Store) GetCustomer(ctx context.Context, branchID string, id int64) (models.Customer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE branch_id = ? AND id = ?
	`, branchID, id)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, store.WrapPersistence("get customer", err)
	}
	return customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, filter store.ListFilter) ([]models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE branch_id = ?`
	args := []any{filter.BranchID}
	if filter.Station != "" {
		query += " AND station = ?"
		args = append(args, filter.Station)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.WrapPersistence("list customers", err)
	}
	defer rows.Close()

	customers := []models.Customer{}
	for rows.Next() {
		customer, err := scanCustomer(rows)
		if err != nil {
			return nil, store.WrapPersistence("list customers", err)
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapPersistence("list customers", err)
	}
	return customers, nil
}

func (s *Store) UpdateCustomer(ctx context.Context, customer models.Customer) (models.Customer, error) {
	fields, err := marshalFields(customer.CustomFieldData)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("encode custom fields", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE customers SET first_name = ?, last_name = ?, phone = ?, custom_fields = ?
		WHERE branch_id = ? AND id = ?
	`, customer.FirstName, customer.LastName, customer.Phone, fields, customer.BranchID, customer.ID)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("update customer", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.Customer{}, store.ErrCustomerNotFound
	}
	return s.GetCustomer(ctx, customer.BranchID, customer.ID)
}

func (s *Store) UpdateCustomerState(ctx context.Context, branchID string, id int64, station string, status models.Status) (models.Customer, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE customers SET station = ?, status = ? WHERE branch_id = ? AND id = ?
	`, station, status, branchID, id)
	if err != nil {
		return models.Customer{}, store.WrapPersistence("update customer state", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return models.Customer{}, store.ErrCustomerNotFound
	}
	return s.GetCustomer(ctx, branchID, id)
}

func (s *Store) DeleteCustomer(ctx context.Context, branchID string, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM customers WHERE branch_id = ? AND id = ?`, branchID, id)
	if err != nil {
		return store.WrapPersistence("delete customer", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return store.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) CompleteCustomer(ctx context.Context, branchID string, id int64, completedAt time.Time) (models.CompletedEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE branch_id = ? AND id = ?
	`, branchID, id)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrCustomerNotFound
			return models.CompletedEntry{}, err
		}
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM customers WHERE branch_id = ? AND id = ?`, branchID, id); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	entry := models.CompletedEntry{Customer: customer, CompletedAt: completedAt}
	payload, err := json.Marshal(entry)
	if err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("encode completed entry", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO completed (branch_id, payload, completed_at) VALUES (?, ?, ?)
	`, branchID, string(payload), completedAt); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	// Trim the ring to the most recent entries, oldest out first.
	if _, err = tx.ExecContext(ctx, `
		DELETE FROM completed WHERE branch_id = ? AND seq NOT IN (
			SELECT seq FROM completed WHERE branch_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, branchID, branchID, store.CompletedHistoryLimit); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("trim completed history", err)
	}

	if err = tx.Commit(); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}
	return entry, nil
}

func (s *Store) ListCompleted(ctx context.Context, branchID string, limit int) ([]models.CompletedEntry, error) {
	if limit <= 0 || limit > store.CompletedHistoryLimit {
		limit = store.CompletedHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM completed WHERE branch_id = ? ORDER BY seq DESC LIMIT ?
	`, branchID, limit)
	if err != nil {
		return nil, store.WrapPersistence("list completed", err)
	}
	defer rows.Close()

	entries := []models.CompletedEntry{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, store.WrapPersistence("list completed", err)
		}
		var entry models.CompletedEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, store.WrapPersistence("decode completed entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapPersistence("list completed", err)
	}
	return entries, nil
}

func (s *Store) GetCounter(ctx context.Context, branchID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `SELECT next_number FROM counters WHERE branch_id = ?`, branchID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, store.WrapPersistence("get counter", err)
	}
	return next, nil
}

func (s *Store) GetSettings(ctx context.Context, branchID string) (models.RegistrationSettings, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE branch_id = ?`, branchID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RegistrationSettings{}, false, nil
	}
	if err != nil {
		return models.RegistrationSettings{}, false, store.WrapPersistence("get settings", err)
	}
	var settings models.RegistrationSettings
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return models.RegistrationSettings{}, false, store.WrapPersistence("decode settings", err)
	}
	settings.BranchID = branchID
	return settings, true, nil
}

func (s *Store) PutSettings(ctx context.Context, settings models.RegistrationSettings) (models.RegistrationSettings, error) {
	payload, err := json.Marshal(settings)
	if err != nil {
		return models.RegistrationSettings{}, store.WrapPersistence("encode settings", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (branch_id, payload) VALUES (?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET payload = excluded.payload
	`, settings.BranchID, string(payload)); err != nil {
		return models.RegistrationSettings{}, store.WrapPersistence("put settings", err)
	}
	return settings, nil
}

func (s *Store) ExportSnapshot(ctx context.Context, branchID string) (store.Snapshot, error) {
	customers, err := s.ListCustomers(ctx, store.ListFilter{BranchID: branchID})
	if err != nil {
		return store.Snapshot{}, err
	}
	counter, err := s.GetCounter(ctx, branchID)
	if err != nil {
		return store.Snapshot{}, err
	}
	completed, err := s.ListCompleted(ctx, branchID, store.CompletedHistoryLimit)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap := store.Snapshot{Customers: customers, Counter: counter, Completed: completed}
	settings, found, err := s.GetSettings(ctx, branchID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if found {
		snap.Settings = &settings
	}
	return snap, nil
}

func (s *Store) ImportSnapshot(ctx context.Context, branchID string, snap store.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.WrapPersistence("import snapshot", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = clearBranchTx(ctx, tx, branchID); err != nil {
		return store.WrapPersistence("import snapshot", err)
	}

	for _, c := range snap.Customers {
		var fields any
		if fields, err = marshalFields(c.CustomFieldData); err != nil {
			return store.WrapPersistence("encode custom fields", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO customers (id, branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, branchID, c.QueueNumber, c.FirstName, c.LastName, c.Phone, c.Station, c.Status, c.CreatedAt, fields); err != nil {
			return store.WrapPersistence("import customer", err)
		}
	}

	counter := snap.Counter
	if counter < 1 {
		counter = 1
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO counters (branch_id, next_number) VALUES (?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET next_number = excluded.next_number
	`, branchID, counter); err != nil {
		return store.WrapPersistence("import counter", err)
	}

	if snap.Settings != nil {
		var payload []byte
		if payload, err = json.Marshal(snap.Settings); err != nil {
			return store.WrapPersistence("encode settings", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO settings (branch_id, payload) VALUES (?, ?)
			ON CONFLICT(branch_id) DO UPDATE SET payload = excluded.payload
		`, branchID, string(payload)); err != nil {
			return store.WrapPersistence("import settings", err)
		}
	}

	for _, entry := range snap.Completed {
		var payload []byte
		if payload, err = json.Marshal(entry); err != nil {
			return store.WrapPersistence("encode completed entry", err)
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO completed (branch_id, payload, completed_at) VALUES (?, ?, ?)
		`, branchID, string(payload), entry.CompletedAt); err != nil {
			return store.WrapPersistence("import completed entry", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return store.WrapPersistence("import snapshot", err)
	}
	return nil
}

func (s *Store) ClearBranch(ctx context.Context, branchID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = clearBranchTx(ctx, tx, branchID); err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	if err = tx.Commit(); err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	return nil
}

func clearBranchTx(ctx context.Context, tx *sql.Tx, branchID string) error {
	for _, query := range []string{
		`DELETE FROM customers WHERE branch_id = ?`,
		`DELETE FROM completed WHERE branch_id = ?`,
		`DELETE FROM settings WHERE branch_id = ?`,
		`DELETE FROM counters WHERE branch_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, query, branchID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (models.Customer, error) {
	var customer models.Customer
	var fields sql.NullString
	if err := row.Scan(&customer.ID, &customer.BranchID, &customer.QueueNumber, &customer.FirstName,
		&customer.LastName, &customer.Phone, &customer.Station, &customer.Status, &customer.CreatedAt, &fields); err != nil {
		return models.Customer{}, err
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &customer.CustomFieldData); err != nil {
			return models.Customer{}, err
		}
	}
	return customer, nil
}

func marshalFields(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
