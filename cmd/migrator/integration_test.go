//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the real gateway schema.
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("uapkdb"),
		postgres.WithUsername("uapk"),
		postgres.WithPassword("uapk"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	logs := []string{}
	err = runMigrations(ctx, pool, "../../migrations",
		nil, // use os.ReadFile
		nil, // use filepath.Glob
		func(format string, args ...any) { logs = append(logs, format) },
	)
	if err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	for _, table := range []string{
		"manifests", "capability_issuers", "interaction_records", "approvals", "action_counters",
	} {
		var exists bool
		err = pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			table).Scan(&exists)
		if err != nil || !exists {
			t.Fatalf("table %s not created: exists=%v err=%v", table, exists, err)
		}
	}

	// The audit chain schema must reject two records at the same position.
	insert := `INSERT INTO interaction_records
		(interaction_id, org_id, uapk_id, agent_id, action, decision, seq, created_at, prev_hash, record_hash, signature)
		VALUES ($1,'org-1','uapk-1','agent-1',$2,'ALLOW',1,now(),'GENESIS','h1','sig')`
	canonical := `{"amount":1e2,"tool":"stripe","type":"payment"}`
	if _, err := pool.Exec(ctx, insert, "int-1", canonical); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if _, err := pool.Exec(ctx, insert, "int-2", canonical); err == nil {
		t.Fatal("duplicate (org_id, seq) was not rejected")
	}

	// The action column must return the exact bytes that were hashed;
	// a jsonb column would re-render 1e2 as 100.
	var stored string
	err = pool.QueryRow(ctx,
		"SELECT action FROM interaction_records WHERE org_id='org-1' AND interaction_id='int-1'").Scan(&stored)
	if err != nil {
		t.Fatalf("read back action: %v", err)
	}
	if stored != canonical {
		t.Fatalf("action bytes changed in storage: %q != %q", stored, canonical)
	}

	// Run again - should skip all applied files.
	logs = []string{}
	err = runMigrations(ctx, pool, "../../migrations", nil, nil,
		func(format string, args ...any) { logs = append(logs, format) })
	if err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
}
