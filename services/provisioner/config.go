package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sethvargo/go-envconfig"

	"dbstack/pkg/db"
	"dbstack/pkg/s3"
	"dbstack/pkg/secrets"
)

// DefaultPasswordResourceType is the resource type routed to password rotation.
const DefaultPasswordResourceType = "Custom::DatabaseUserPassword"

// Config holds runtime configuration for the provisioner.
type Config struct {
	DBSecretARN          string `env:"DB_SECRET_ARN,required"`
	DBHost               string `env:"DB_HOST"`
	DBPort               int    `env:"DB_PORT"`
	DBName               string `env:"DB_NAME"`
	DBSSLMode            string `env:"DB_SSLMODE,default=disable"`
	SQLRoot              string `env:"SQL_ROOT,default=./sql"`
	SQLSource            string `env:"SQL_SOURCE"`
	SQLPlanFile          string `env:"SQL_PLAN_FILE"`
	PasswordResourceType string `env:"PASSWORD_RESOURCE_TYPE,default=Custom::DatabaseUserPassword"`
	LogLevel             string `env:"LOG_LEVEL,default=info"`
	OTLPEndpoint         string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	PushgatewayURL       string `env:"PUSHGATEWAY_URL"`
	NATSURL              string `env:"NATS_URL"`
	NATSSubject          string `env:"NATS_SUBJECT,default=dbstack.outcomes"`
	S3Endpoint           string `env:"S3_ENDPOINT"`
	S3ForcePathStyle     bool   `env:"S3_FORCE_PATH_STYLE,default=false"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.DBPort < 0 || c.DBPort > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT %d out of range", c.DBPort))
	}
	if !db.ValidSSLMode(c.DBSSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE %q is not a valid sslmode", c.DBSSLMode))
	}
	if src := strings.TrimSpace(c.SQLSource); src != "" {
		if _, err := s3.ParseURL(src); err != nil {
			errs = append(errs, fmt.Errorf("SQL_SOURCE: %w", err))
		}
	}
	if strings.TrimSpace(c.PasswordResourceType) == "" {
		errs = append(errs, errors.New("PASSWORD_RESOURCE_TYPE must not be empty"))
	}
	return errors.Join(errs...)
}

// ConnectionParams merges the root credential record with the environment. Explicit
// environment values win, record fields fill the gaps, then defaults apply.
func (c Config) ConnectionParams(root secrets.Record) db.Params {
	p := db.Params{
		Host:     firstNonEmpty(c.DBHost, root.Host),
		Port:     c.DBPort,
		User:     root.Username,
		Password: root.Password,
		Database: firstNonEmpty(c.DBName, root.DBName),
		SSLMode:  c.DBSSLMode,
	}
	if p.Port == 0 {
		p.Port = root.Port
	}
	return p.WithDefaults()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
