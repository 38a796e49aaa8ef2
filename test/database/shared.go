package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"

	"github.com/nova-truth/nova/pkg/database"
	"github.com/nova-truth/nova/test/util"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

// SharedTestDB creates a single PostgreSQL schema that can be shared by
// multiple test replicas. Each replica gets its own connection pool via
// NewClient, but all pools point to the same schema — enabling cross-replica
// tests that exercise PostgreSQL LISTEN/NOTIFY delivery (pkg/transport) and
// leader/follower playback sync.
type SharedTestDB struct {
	cfg database.Config
}

// NewSharedTestDB creates a shared test schema and runs migrations against
// it once via database.NewClient, then closes that bootstrap connection.
// Call NewClient to create independent database clients for each replica.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)

	cfg := util.ParseConnString(t, baseConnStr)
	cfg.Schema = schemaName
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5

	bootstrap, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, bootstrap.Close())

	return &SharedTestDB{cfg: cfg}
}

// NewClient creates an independent *database.Client backed by a fresh
// connection pool to the shared schema. Each client has its own pool so
// replicas can be shut down independently without races. The pool is
// closed via t.Cleanup; migrations have already run, so this only opens
// and pings the connection.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()

	db, err := stdsql.Open("pgx", dsnWithSchema(s.cfg))
	require.NoError(t, err)
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	require.NoError(t, db.PingContext(context.Background()))

	client := database.NewClientFromDB(db)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func dsnWithSchema(cfg database.Config) string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	if cfg.Schema != "" {
		dsn += " search_path=" + cfg.Schema
	}
	return dsn
}
