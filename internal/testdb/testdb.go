// Package testdb provides a shared PostgreSQL testcontainer for integration
// tests across the module, with per-test schema isolation so tests can run
// in parallel without stepping on each other's rows.
package testdb

import (
	"context"
	stdsql "database/sql"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hubd/hubd/pkg/store"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// Open starts (or reuses) a shared PostgreSQL container, creates a
// uniquely-named schema for t, opens a Store scoped to it via search_path,
// and registers cleanup to drop the schema afterward.
func Open(t *testing.T) *store.Store {
	t.Helper()
	connStr := sharedConnString(t)
	schema := schemaNameFor(t)

	admin, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = admin.ExecContext(context.Background(), fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	st, err := store.Open(t.Context(), store.Config{RawDSN: connStr, SearchPath: schema})
	require.NoError(t, err)

	t.Cleanup(func() {
		st.Close()
		admin, err := stdsql.Open("pgx", connStr)
		if err == nil {
			_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
			_ = admin.Close()
		}
	})

	return st
}

func sharedConnString(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("hubd_test"),
			postgres.WithUsername("hubd"),
			postgres.WithPassword("hubd"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared postgres testcontainer")
	return sharedConnStr
}

func schemaNameFor(t *testing.T) string {
	t.Helper()
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}
