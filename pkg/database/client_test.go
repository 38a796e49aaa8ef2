package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestClient starts a real Postgres container, runs the embedded
// migrations against it, and returns a ready client.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nova_test"),
		postgres.WithUsername("nova_test"),
		postgres.WithPassword("nova_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Host:            host,
		Port:            port.Int(),
		User:            "nova_test",
		Password:        "nova_test",
		Database:        "nova_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestDatabaseClientConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.DB().PingContext(ctx))

	health, err := Health(ctx, client.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestDatabaseClientMigrationsCreateEventIndexTable(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	var exists bool
	err := client.DB().QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'event_index')`,
	).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Database: "test",
				MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: true,
		},
		{
			name: "idle conns exceed max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 5, MaxIdleConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max open conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 0, MaxIdleConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative idle conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test", Database: "test",
				MaxOpenConns: 10, MaxIdleConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
