package provisioner

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbstack/pkg/secrets"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_SECRET_ARN": "arn:aws:secretsmanager:us-east-1:123456789012:secret:root",
	}))
	require.NoError(t, err)

	assert.Equal(t, "disable", cfg.DBSSLMode)
	assert.Equal(t, "./sql", cfg.SQLRoot)
	assert.Equal(t, DefaultPasswordResourceType, cfg.PasswordResourceType)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "dbstack.outcomes", cfg.NATSSubject)
	assert.Empty(t, cfg.SQLSource)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing secret", env: map[string]string{}},
		{name: "bad port", env: map[string]string{"DB_SECRET_ARN": "s", "DB_PORT": "70000"}},
		{name: "bad sslmode", env: map[string]string{"DB_SECRET_ARN": "s", "DB_SSLMODE": "sometimes"}},
		{name: "bad source", env: map[string]string{"DB_SECRET_ARN": "s", "SQL_SOURCE": "https://example.com/sql.tar.zst"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			require.Error(t, err)
		})
	}
}

func TestConnectionParams(t *testing.T) {
	root := secrets.Record{Host: "record-host", Port: 6543, DBName: "app", Username: "postgres", Password: "pw"}

	p := Config{DBSSLMode: "disable"}.ConnectionParams(root)
	assert.Equal(t, "record-host", p.Host)
	assert.Equal(t, 6543, p.Port)
	assert.Equal(t, "app", p.Database)
	assert.Equal(t, "postgres", p.User)
	assert.Equal(t, "pw", p.Password)

	p = Config{DBHost: "env-host", DBPort: 5433, DBName: "supabase", DBSSLMode: "require"}.ConnectionParams(root)
	assert.Equal(t, "env-host", p.Host)
	assert.Equal(t, 5433, p.Port)
	assert.Equal(t, "supabase", p.Database)
	assert.Equal(t, "require", p.SSLMode)

	p = Config{DBHost: "env-host"}.ConnectionParams(secrets.Record{Username: "postgres", Password: "pw"})
	assert.Equal(t, 5432, p.Port)
	assert.Equal(t, "postgres", p.Database)
	assert.Equal(t, "disable", p.SSLMode)
}
