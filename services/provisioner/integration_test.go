//go:build integration

package provisioner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"dbstack/pkg/db"
	"dbstack/pkg/s3"
	"dbstack/pkg/secrets"
	"dbstack/services/customresource"
	"dbstack/services/migrator"
)

type stack struct {
	pg       db.Params
	awsCfg   aws.Config
	endpoint string
	store    *secrets.Store
	objects  *s3.Client
	sm       *secretsmanager.Client
	s3api    *awss3.Client
}

func startStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	pgC, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("supabase"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("root-password"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(pgC) })

	pgHost, err := pgC.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	ls, err := localstack.Run(ctx, "localstack/localstack:3.8",
		testcontainers.WithEnv(map[string]string{"SERVICES": "s3,secretsmanager"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ls) })

	lsHost, err := ls.Host(ctx)
	require.NoError(t, err)
	lsPort, err := ls.MappedPort(ctx, "4566/tcp")
	require.NoError(t, err)
	endpoint := "http://" + lsHost + ":" + lsPort.Port()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	smOpts := func(o *secretsmanager.Options) { o.BaseEndpoint = aws.String(endpoint) }
	return &stack{
		pg:       db.Params{Host: pgHost, Port: pgPort.Int(), User: "postgres", Password: "root-password", Database: "supabase"},
		awsCfg:   awsCfg,
		endpoint: endpoint,
		store:    secrets.NewStore(awsCfg, smOpts),
		objects:  s3.NewClient(awsCfg, s3.Options{Endpoint: endpoint, ForcePathStyle: true}),
		sm:       secretsmanager.NewFromConfig(awsCfg, smOpts),
		s3api: awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}),
	}
}

func (s *stack) createSecret(t *testing.T, name, value string) string {
	t.Helper()
	out, err := s.sm.CreateSecret(context.Background(), &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
	})
	require.NoError(t, err)
	return aws.ToString(out.ARN)
}

func (s *stack) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	ctrl, err := New(Dependencies{
		Config:    cfg,
		Secrets:   s.store,
		Connect:   PGConnector,
		Responder: customresource.NewResponder(nil, zerolog.Nop()),
		Fetcher:   s.objects,
		Logger:    zerolog.New(zerolog.NewTestWriter(t)),
		LogStream: "integration",
	})
	require.NoError(t, err)
	return ctrl
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
}

func lifecycleEvent(rt cfn.RequestType, resourceType, logicalID, responseURL string, props map[string]any) cfn.Event {
	return cfn.Event{
		RequestType:        rt,
		RequestID:          logicalID + "-" + string(rt),
		ResponseURL:        responseURL,
		ResourceType:       resourceType,
		LogicalResourceID:  logicalID,
		StackID:            "arn:aws:cloudformation:us-east-1:000000000000:stack/supabase/it",
		ResourceProperties: props,
	}
}

func TestIntegrationLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("integration")
	}
	ctx := context.Background()
	s := startStack(t)

	rootJSON := `{"username":"postgres","password":"root-password","host":"` + s.pg.Host + `","port":"` +
		strconv.Itoa(s.pg.Port) + `","dbname":"supabase","engine":"postgres"}`
	rootARN := s.createSecret(t, "supabase/root", rootJSON)
	userARN := s.createSecret(t, "supabase/app_user", `{"password":"p1"}`)

	sqlRoot := t.TempDir()
	writeTree(t, sqlRoot, map[string]string{
		"plan.yaml":                     "directories: [init, migrations]\n",
		"init/01_ext.sql":               "CREATE EXTENSION pgcrypto;",
		"init/02_role.sql":              "CREATE ROLE app_user LOGIN;",
		"migrations/20240101_users.sql": "CREATE TABLE users(id uuid primary key default gen_random_uuid());\nCREATE INDEX users_id ON users(id);",
	})

	bundlePath := filepath.Join(t.TempDir(), "sql"+migrator.BundleExt)
	manifest, err := migrator.BuildBundleFile(ctx, sqlRoot, bundlePath, time.Now())
	require.NoError(t, err)
	_, err = s.s3api.CreateBucket(ctx, &awss3.CreateBucketInput{Bucket: aws.String("sql-bundles")})
	require.NoError(t, err)
	loc := s3.Location{Bucket: "sql-bundles", Key: "supabase/sql" + migrator.BundleExt}
	_, err = s.objects.UploadFile(ctx, loc, bundlePath)
	require.NoError(t, err)

	receiver := customresource.NewReceiver(zerolog.Nop())
	base, err := receiver.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close(context.Background()) })

	cfg := Config{DBSecretARN: rootARN, DBSSLMode: "disable", SQLSource: loc.String(), SQLRoot: "/nonexistent"}
	ctrl := s.controller(t, cfg)

	// Create, then Update over the already-migrated database.
	for _, rt := range []cfn.RequestType{cfn.RequestCreate, cfn.RequestUpdate} {
		_, err := ctrl.Handle(ctx, lifecycleEvent(rt, "Custom::DatabaseMigrations", "Migrations", base+"/migrations", nil))
		require.NoError(t, err)
	}
	got := receiver.Deliveries()
	require.Len(t, got, 2)
	for _, d := range got {
		assert.Equal(t, []string{""}, d.ContentType)
		assert.Equal(t, cfn.StatusSuccess, d.Response.Status)
		assert.Equal(t, manifest.Fingerprint, d.Response.Data["Fingerprint"])
	}
	assert.Equal(t, got[0].Response.PhysicalResourceID, got[1].Response.PhysicalResourceID)
	assert.EqualValues(t, 3, got[0].Response.Data["Applied"])
	assert.EqualValues(t, 3, got[1].Response.Data["Skipped"])
	assert.EqualValues(t, 0, got[1].Response.Data["Applied"])

	// Password rotation.
	_, err = ctrl.Handle(ctx, lifecycleEvent(cfn.RequestCreate, DefaultPasswordResourceType, "AppUserPassword", base+"/password",
		map[string]any{"Username": "app_user", "SecretId": userARN}))
	require.NoError(t, err)
	got = receiver.Deliveries()
	require.Len(t, got, 3)
	assert.Equal(t, "app_user@"+s.pg.Host, got[2].Response.PhysicalResourceID)

	stored, err := s.store.Get(ctx, userARN)
	require.NoError(t, err)
	assert.Equal(t, "app_user", stored.Username)
	assert.Equal(t, "p1", stored.Password)
	assert.Equal(t, secrets.ConnectionURI("app_user", "p1", s.pg.Host, s.pg.Port, "supabase"), stored.URI)
	assert.JSONEq(t, `"postgres"`, string(stored.Extra["engine"]))

	conn, err := db.ConnectDSN(ctx, stored.URI+"?sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Close(conn))
}

func TestIntegrationFatalMigration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration")
	}
	ctx := context.Background()
	s := startStack(t)

	rootARN := s.createSecret(t, "supabase/root-fatal", `{"username":"postgres","password":"root-password"}`)

	sqlRoot := t.TempDir()
	writeTree(t, sqlRoot, map[string]string{
		"migrations/01_bad.sql":  "CRATE TABLE oops();",
		"migrations/02_next.sql": "CREATE TABLE never_created();",
	})

	receiver := customresource.NewReceiver(zerolog.Nop())
	base, err := receiver.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiver.Close(context.Background()) })

	cfg := Config{DBSecretARN: rootARN, DBHost: s.pg.Host, DBPort: s.pg.Port, DBName: "supabase", DBSSLMode: "disable", SQLRoot: sqlRoot}
	ctrl := s.controller(t, cfg)

	_, err = ctrl.Handle(ctx, lifecycleEvent(cfn.RequestCreate, "Custom::DatabaseMigrations", "Migrations", base+"/cb", nil))
	require.Error(t, err)

	got := receiver.Deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, cfn.StatusFailed, got[0].Response.Status)
	assert.Contains(t, got[0].Response.Reason, "syntax error")

	conn, err := db.Connect(ctx, s.pg)
	require.NoError(t, err)
	defer db.Close(conn)
	var exists bool
	require.NoError(t, conn.QueryRow(ctx, "SELECT to_regclass('never_created') IS NOT NULL").Scan(&exists))
	assert.False(t, exists)
}
