// Package postgres is the relational persistence adapter for the networked
// deployment. The database is the single source of truth: the ticket
// counter advances through an atomic upsert, so concurrent registrations
// from different devices never receive duplicate numbers.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies the idempotent DDL. Called once at startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return store.WrapPersistence("ensure schema", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateCustomer(ctx context.Context, input store.CreateCustomerInput) (models.Customer, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Customer{}, store.WrapPersistence("create customer", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var seq int64
	row := tx.QueryRow(ctx, `
		INSERT INTO counters (branch_id, next_number) VALUES ($1, 2)
		ON CONFLICT (branch_id) DO UPDATE SET next_number = counters.next_number + 1
		RETURNING next_number - 1
	`, input.BranchID)
	if err = row.Scan(&seq); err != nil {
		return models.Customer{}, store.WrapPersistence("next ticket number", err)
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
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

	row = tx.QueryRow(ctx, `
		INSERT INTO customers (branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, customer.BranchID, customer.QueueNumber, customer.FirstName, customer.LastName, customer.Phone,
		customer.Station, customer.Status, customer.CreatedAt, customer.CustomFieldData)
	if err = row.Scan(&customer.ID); err != nil {
		return models.Customer{}, store.WrapPersistence("insert customer", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Customer{}, store.WrapPersistence("create customer", err)
	}
	return customer, nil
}

const customerColumns = "id, branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields"

func (s *Store) GetCustomer(ctx context.Context, branchID string, id int64) (models.Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE branch_id = $1 AND id = $2
	`, branchID, id)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, store.WrapPersistence("get customer", err)
	}
	return customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, filter store.ListFilter) ([]models.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE branch_id = $1`
	args := []any{filter.BranchID}
	if filter.Station != "" {
		args = append(args, filter.Station)
		query += ` AND station = $2`
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		switch len(args) {
		case 2:
			query += ` AND status = $2`
		case 3:
			query += ` AND status = $3`
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
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
	row := s.pool.QueryRow(ctx, `
		UPDATE customers SET first_name = $1, last_name = $2, phone = $3, custom_fields = $4
		WHERE branch_id = $5 AND id = $6
		RETURNING `+customerColumns+`
	`, customer.FirstName, customer.LastName, customer.Phone, customer.CustomFieldData, customer.BranchID, customer.ID)
	updated, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, store.WrapPersistence("update customer", err)
	}
	return updated, nil
}

func (s *Store) UpdateCustomerState(ctx context.Context, branchID string, id int64, station string, status models.Status) (models.Customer, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE customers SET station = $1, status = $2
		WHERE branch_id = $3 AND id = $4
		RETURNING `+customerColumns+`
	`, station, status, branchID, id)
	updated, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, store.ErrCustomerNotFound
		}
		return models.Customer{}, store.WrapPersistence("update customer state", err)
	}
	return updated, nil
}

func (s *Store) DeleteCustomer(ctx context.Context, branchID string, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM customers WHERE branch_id = $1 AND id = $2`, branchID, id)
	if err != nil {
		return store.WrapPersistence("delete customer", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCustomerNotFound
	}
	return nil
}

func (s *Store) CompleteCustomer(ctx context.Context, branchID string, id int64, completedAt time.Time) (models.CompletedEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers WHERE branch_id = $1 AND id = $2 FOR UPDATE
	`, branchID, id)
	customer, err := scanCustomer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrCustomerNotFound
			return models.CompletedEntry{}, err
		}
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM customers WHERE branch_id = $1 AND id = $2`, branchID, id); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	entry := models.CompletedEntry{Customer: customer, CompletedAt: completedAt}
	var payload []byte
	if payload, err = json.Marshal(entry); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("encode completed entry", err)
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO completed (branch_id, payload, completed_at) VALUES ($1, $2, $3)
	`, branchID, payload, completedAt); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}

	if _, err = tx.Exec(ctx, `
		DELETE FROM completed WHERE branch_id = $1 AND seq NOT IN (
			SELECT seq FROM completed WHERE branch_id = $1 ORDER BY seq DESC LIMIT $2
		)
	`, branchID, store.CompletedHistoryLimit); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("trim completed history", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return models.CompletedEntry{}, store.WrapPersistence("complete customer", err)
	}
	return entry, nil
}

func (s *Store) ListCompleted(ctx context.Context, branchID string, limit int) ([]models.CompletedEntry, error) {
	if limit <= 0 || limit > store.CompletedHistoryLimit {
		limit = store.CompletedHistoryLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM completed WHERE branch_id = $1 ORDER BY seq DESC LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, store.WrapPersistence("list completed", err)
	}
	defer rows.Close()

	entries := []models.CompletedEntry{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, store.WrapPersistence("list completed", err)
		}
		var entry models.CompletedEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
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
	err := s.pool.QueryRow(ctx, `SELECT next_number FROM counters WHERE branch_id = $1`, branchID).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, store.WrapPersistence("get counter", err)
	}
	return next, nil
}

func (s *Store) GetSettings(ctx context.Context, branchID string) (models.RegistrationSettings, bool, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM settings WHERE branch_id = $1`, branchID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RegistrationSettings{}, false, nil
	}
	if err != nil {
		return models.RegistrationSettings{}, false, store.WrapPersistence("get settings", err)
	}
	var settings models.RegistrationSettings
	if err := json.Unmarshal(payload, &settings); err != nil {
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
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO settings (branch_id, payload) VALUES ($1, $2)
		ON CONFLICT (branch_id) DO UPDATE SET payload = EXCLUDED.payload
	`, settings.BranchID, payload); err != nil {
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.WrapPersistence("import snapshot", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = clearBranchTx(ctx, tx, branchID); err != nil {
		return store.WrapPersistence("import snapshot", err)
	}

	for _, c := range snap.Customers {
		if _, err = tx.Exec(ctx, `
			INSERT INTO customers (id, branch_id, queue_number, first_name, last_name, phone, station, status, created_at, custom_fields)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, c.ID, branchID, c.QueueNumber, c.FirstName, c.LastName, c.Phone, c.Station, c.Status, c.CreatedAt, c.CustomFieldData); err != nil {
			return store.WrapPersistence("import customer", err)
		}
	}

	// Imported rows carry their original ids; advance the id sequence
	// past them so subsequent inserts cannot collide.
	if len(snap.Customers) > 0 {
		if _, err = tx.Exec(ctx, `
			SELECT setval(pg_get_serial_sequence('customers', 'id'), (SELECT MAX(id) FROM customers))
		`); err != nil {
			return store.WrapPersistence("import customer", err)
		}
	}

	counter := snap.Counter
	if counter < 1 {
		counter = 1
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO counters (branch_id, next_number) VALUES ($1, $2)
		ON CONFLICT (branch_id) DO UPDATE SET next_number = EXCLUDED.next_number
	`, branchID, counter); err != nil {
		return store.WrapPersistence("import counter", err)
	}

	if snap.Settings != nil {
		var payload []byte
		if payload, err = json.Marshal(snap.Settings); err != nil {
			return store.WrapPersistence("encode settings", err)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO settings (branch_id, payload) VALUES ($1, $2)
			ON CONFLICT (branch_id) DO UPDATE SET payload = EXCLUDED.payload
		`, branchID, payload); err != nil {
			return store.WrapPersistence("import settings", err)
		}
	}

	for _, entry := range snap.Completed {
		var payload []byte
		if payload, err = json.Marshal(entry); err != nil {
			return store.WrapPersistence("encode completed entry", err)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO completed (branch_id, payload, completed_at) VALUES ($1, $2, $3)
		`, branchID, payload, entry.CompletedAt); err != nil {
			return store.WrapPersistence("import completed entry", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return store.WrapPersistence("import snapshot", err)
	}
	return nil
}

func (s *Store) ClearBranch(ctx context.Context, branchID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = clearBranchTx(ctx, tx, branchID); err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return store.WrapPersistence("clear branch", err)
	}
	return nil
}

func clearBranchTx(ctx context.Context, tx pgx.Tx, branchID string) error {
	for _, query := range []string{
		`DELETE FROM customers WHERE branch_id = $1`,
		`DELETE FROM completed WHERE branch_id = $1`,
		`DELETE FROM settings WHERE branch_id = $1`,
		`DELETE FROM counters WHERE branch_id = $1`,
	} {
		if _, err := tx.Exec(ctx, query, branchID); err != nil {
			return err
		}
	}
	return nil
}

func scanCustomer(row pgx.Row) (models.Customer, error) {
	var customer models.Customer
	if err := row.Scan(&customer.ID, &customer.BranchID, &customer.QueueNumber, &customer.FirstName,
		&customer.LastName, &customer.Phone, &customer.Station, &customer.Status, &customer.CreatedAt,
		&customer.CustomFieldData); err != nil {
		return models.Customer{}, err
	}
	return customer, nil
}
