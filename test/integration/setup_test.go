package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/booking/internal/domain/scheduling"
	"github.com/ehr/booking/internal/platform/db"
	"github.com/ehr/booking/migrations"
)

// globalPool is shared by every test; tests isolate themselves through
// fresh provider and patient ids.
var globalPool *pgxpool.Pool

// TestMain connects to BOOKING_TEST_DATABASE_URL when set, otherwise starts a
// throwaway container. Without either the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("BOOKING_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found and BOOKING_TEST_DATABASE_URL unset")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: connStr, MaxConns: 20, ApplicationName: "booking-integration"})
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS, "public").Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// newService wires the scheduling core to the shared database.
func newService(t *testing.T) *scheduling.Service {
	t.Helper()
	return scheduling.NewService(scheduling.Deps{
		Reservations: scheduling.NewReservationRepoPG(globalPool),
		UnitOfWork:   scheduling.NewUnitOfWorkPG(globalPool),
		Hours:        scheduling.NewWorkingHoursRepoPG(globalPool),
		Directory:    scheduling.NewDirectoryPG(globalPool),
	}, scheduling.Options{
		StoreTimeout: 5 * time.Second,
		MaxRetries:   3,
		StepMinutes:  15,
	})
}

// createProvider inserts a provider who works 09:00-17:00 every day.
func createProvider(t *testing.T, ctx context.Context) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := globalPool.Exec(ctx, `INSERT INTO provider (id, display_name) VALUES ($1, $2)`, id, "Test Provider"); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	for wd := 0; wd < 7; wd++ {
		if _, err := globalPool.Exec(ctx,
			`INSERT INTO working_hours (resource_id, weekday, is_working, start_minute, end_minute)
			 VALUES ($1, $2, TRUE, 540, 1020)`, id, wd); err != nil {
			t.Fatalf("create working hours: %v", err)
		}
	}
	return id
}

func createPatient(t *testing.T, ctx context.Context) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if _, err := globalPool.Exec(ctx, `INSERT INTO patient (id, display_name) VALUES ($1, $2)`, id, "Test Patient"); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	return id
}
