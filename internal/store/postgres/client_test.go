package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: " postgres://u@db/x ", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		{
			name: "defaults",
			cfg:  ClientConfig{Host: "localhost", Database: "whiplash", User: "postgres"},
			want: "postgres://postgres@localhost:5432/whiplash?sslmode=disable",
		},
		{
			name: "password is escaped",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "w", User: "app", Password: "p@ss/w:rd", SSLMode: "require"},
			want: "postgres://app:p%40ss%2Fw%3Ard@db:6432/w?sslmode=require",
		},
		{
			name: "ipv6 host",
			cfg:  ClientConfig{Host: "::1", Database: "w"},
			want: "postgres://[::1]:5432/w?sslmode=disable",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DSN(tc.cfg))
		})
	}
}

func TestDSNParsesBack(t *testing.T) {
	pc, err := pgxpool.ParseConfig(DSN(ClientConfig{Host: "db", Database: "w", User: "app", Password: "a b&c"}))
	require.NoError(t, err)
	assert.Equal(t, "a b&c", pc.ConnConfig.Password)
	assert.Equal(t, "app", pc.ConnConfig.User)
	assert.Equal(t, "w", pc.ConnConfig.Database)
}

func TestTunePool(t *testing.T) {
	pc, err := pgxpool.ParseConfig("postgres://app@db/w?application_name=custom")
	require.NoError(t, err)
	tunePool(pc, ClientConfig{MaxConns: 4, MinConns: 8})
	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(4), pc.MinConns)
	assert.Equal(t, "custom", pc.ConnConfig.RuntimeParams["application_name"])

	pc, err = pgxpool.ParseConfig("postgres://app@db/w")
	require.NoError(t, err)
	tunePool(pc, ClientConfig{})
	assert.Equal(t, "whiplash", pc.ConnConfig.RuntimeParams["application_name"])
}

func TestPendingMigrationsOrdered(t *testing.T) {
	names, err := pendingMigrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, "001_init.sql", names[0])
	assert.Equal(t, "002_audit_subject.sql", names[1])
}
