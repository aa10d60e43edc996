package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/store"
)

func TestSequentialTicketNumbers(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	branchID := uuid.NewString()
	for i, want := range []string{"A001", "A002", "A003"} {
		customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{
			BranchID:  branchID,
			FirstName: fmt.Sprintf("Customer%d", i),
			LastName:  "Test",
			Phone:     "0812345678",
			Station:   "TRADE_IN",
		})
		require.NoError(t, err)
		assert.Equal(t, want, customer.QueueNumber)
		assert.Equal(t, models.StatusWaiting, customer.Status)
	}
}

func TestConcurrentCreatesStayDistinct(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	branchID := uuid.NewString()
	const workers = 8

	var wg sync.WaitGroup
	numbers := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{
				BranchID:  branchID,
				FirstName: "Concurrent",
				LastName:  "Test",
				Station:   "TRADE_IN",
			})
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- customer.QueueNumber
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool)
	for number := range numbers {
		assert.False(t, seen[number], "duplicate ticket %s", number)
		seen[number] = true
	}
	assert.Len(t, seen, workers)
}

func TestCompleteMovesToHistory(t *testing.T) {
	ctx := context.Background()
	st := setupTestStore(t, ctx)

	branchID := uuid.NewString()
	customer, err := st.CreateCustomer(ctx, store.CreateCustomerInput{
		BranchID:  branchID,
		FirstName: "Ana",
		LastName:  "Lima",
		Station:   "DATA_TRANSFER",
	})
	require.NoError(t, err)

	entry, err := st.CompleteCustomer(ctx, branchID, customer.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, customer.QueueNumber, entry.QueueNumber)
	assert.False(t, entry.CompletedAt.IsZero())

	_, err = st.GetCustomer(ctx, branchID, customer.ID)
	assert.ErrorIs(t, err, store.ErrCustomerNotFound)

	history, err := st.ListCompleted(ctx, branchID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func setupTestStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	st := NewStore(pool)
	require.NoError(t, st.EnsureSchema(ctx))

	t.Cleanup(func() {
		pool.Close()
		conn, err := pgx.Connect(context.Background(), dsn)
		if err != nil {
			return
		}
		defer conn.Close(context.Background())
		_, _ = conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})
	return st
}
