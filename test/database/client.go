package database

import (
	"context"
	"testing"

	"github.com/nova-truth/nova/pkg/database"
	"github.com/nova-truth/nova/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a test database client in its own schema of the
// shared test container (or CI_DATABASE_URL database). The schema is
// created and migrated once and dropped on test completion.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	baseConnStr := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)
	util.CreateSchema(t, baseConnStr, schemaName)

	cfg := util.ParseConnString(t, baseConnStr)
	cfg.Schema = schemaName
	cfg.MaxOpenConns = 10
	cfg.MaxIdleConns = 5

	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
