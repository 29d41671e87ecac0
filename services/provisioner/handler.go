// Package provisioner turns stack lifecycle events into database changes: it runs SQL
// migrations or rotates role passwords and answers the orchestrator exactly once.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dbstack/pkg/bus"
	"dbstack/pkg/db"
	"dbstack/pkg/metrics"
	"dbstack/pkg/secrets"
	"dbstack/pkg/telemetry"
	"dbstack/services/credentials"
	"dbstack/services/customresource"
	"dbstack/services/migrator"
)

const (
	kindMigration = "migration"
	kindPassword  = "password"

	migrationsDoneMessage = "Database migrations completed successfully"
	metricsJob            = "provisioner"
)

// Result is returned to the Lambda runtime.
type Result struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

var okResult = Result{StatusCode: 200, Body: "Success"}

// Connector opens the scoped database connection for one event.
type Connector func(ctx context.Context, p db.Params) (db.Conn, error)

// Sender delivers the terminal response. *customresource.Responder satisfies it.
type Sender interface {
	Send(ctx context.Context, responseURL string, resp customresource.Response) (int, error)
}

// Publisher emits audit events. *bus.Bus satisfies it.
type Publisher interface {
	PublishOutcome(ctx context.Context, subj string, evt bus.OutcomeEvent) error
}

// Dependencies are the collaborators of a Controller. Fetcher and Publisher are optional.
type Dependencies struct {
	Config    Config
	Secrets   credentials.SecretStore
	Connect   Connector
	Responder Sender
	Fetcher   migrator.Fetcher
	Publisher Publisher
	Logger    zerolog.Logger
	// LogStream overrides the Lambda log stream name used in default reasons.
	LogStream string
}

// PGConnector opens a pgx connection with db.Connect.
func PGConnector(ctx context.Context, p db.Params) (db.Conn, error) {
	conn, err := db.Connect(ctx, p)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Controller handles lifecycle events.
type Controller struct {
	cfg       Config
	secrets   credentials.SecretStore
	connect   Connector
	responder Sender
	fetcher   migrator.Fetcher
	publisher Publisher
	logger    zerolog.Logger
	logStream string
	tracer    trace.Tracer
}

// New validates deps and builds a Controller.
func New(deps Dependencies) (*Controller, error) {
	if deps.Secrets == nil {
		return nil, errors.New("secret store is required")
	}
	if deps.Responder == nil {
		return nil, errors.New("responder is required")
	}
	if deps.Connect == nil {
		deps.Connect = PGConnector
	}
	if deps.Config.PasswordResourceType == "" {
		deps.Config.PasswordResourceType = DefaultPasswordResourceType
	}
	if deps.Config.SQLRoot == "" {
		deps.Config.SQLRoot = "./sql"
	}
	return &Controller{
		cfg:       deps.Config,
		secrets:   deps.Secrets,
		connect:   deps.Connect,
		responder: deps.Responder,
		fetcher:   deps.Fetcher,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		logStream: deps.LogStream,
		tracer:    otel.Tracer("dbstack/services/provisioner"),
	}, nil
}

// Handle processes one event. Lifecycle events get exactly one response on the
// callback URL; the returned error is non-nil when the work or the delivery failed.
func (c *Controller) Handle(ctx context.Context, e cfn.Event) (Result, error) {
	start := time.Now()
	kind := c.kind(e)

	ctx, span := c.tracer.Start(ctx, "provisioner.handle", trace.WithAttributes(
		attribute.String("cfn.request_type", string(e.RequestType)),
		attribute.String("cfn.resource_type", e.ResourceType),
		attribute.String("cfn.logical_resource_id", e.LogicalResourceID),
	))
	defer span.End()

	logger := c.eventLogger(ctx, e, kind)

	if !customresource.IsLifecycle(e) {
		logger.Info().Msg("direct invocation, not a lifecycle event")
		return okResult, nil
	}
	logger.Info().Msg("lifecycle event received")

	rec := metrics.New()
	outcome, runErr := c.dispatch(ctx, logger, e, kind, rec)
	if outcome.Reason == "" {
		outcome.Reason = customresource.DefaultReason(c.streamName())
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "dispatch failed")
		logger.Error().Err(runErr).Msg("lifecycle event failed")
	}

	statusCode, sendErr := c.responder.Send(ctx, e.ResponseURL, customresource.NewResponse(e, outcome))
	if sendErr != nil {
		span.RecordError(sendErr)
		logger.Error().Err(sendErr).Msg("could not deliver response, orchestrator will time out")
	}

	elapsed := time.Since(start)
	rec.Outcome(string(e.RequestType), kind, string(outcome.Status), elapsed)
	logger.Info().
		Str("status", string(outcome.Status)).
		Str("physical_resource_id", outcome.PhysicalResourceID).
		Dur("elapsed", elapsed).
		Msg("lifecycle event finished")

	c.pushMetrics(ctx, logger, e, rec)
	c.publish(ctx, logger, e, kind, outcome, statusCode, sendErr)

	if err := errors.Join(runErr, sendErr); err != nil {
		return Result{}, err
	}
	return okResult, nil
}

func (c *Controller) kind(e cfn.Event) string {
	if e.ResourceType == c.cfg.PasswordResourceType {
		return kindPassword
	}
	return kindMigration
}

func (c *Controller) eventLogger(ctx context.Context, e cfn.Event, kind string) zerolog.Logger {
	lc := c.logger.With().
		Str("request_type", string(e.RequestType)).
		Str("request_id", e.RequestID).
		Str("logical_resource_id", e.LogicalResourceID).
		Str("resource_type", e.ResourceType).
		Str("kind", kind)
	if lctx, ok := lambdacontext.FromContext(ctx); ok {
		lc = lc.Str("aws_request_id", lctx.AwsRequestID)
	}
	return telemetry.WithTrace(ctx, lc.Logger())
}

func (c *Controller) streamName() string {
	if c.logStream != "" {
		return c.logStream
	}
	return lambdacontext.LogStreamName
}

// dispatch resolves credentials, holds the connection for the duration of the work and
// converts every failure, panics included, into a FAILED outcome.
func (c *Controller) dispatch(ctx context.Context, logger zerolog.Logger, e cfn.Event, kind string, rec *metrics.Recorder) (outcome customresource.Outcome, err error) {
	fallbackID := customresource.StableID(e)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic")
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			outcome = customresource.Failure(fallbackID, err)
		}
	}()

	root, err := c.secrets.Get(ctx, c.cfg.DBSecretARN)
	if err != nil {
		return customresource.Outcome{}, fmt.Errorf("resolve root credentials: %w", err)
	}
	params := c.cfg.ConnectionParams(root)

	logger.Info().Str("address", params.Address()).Str("database", params.Database).Msg("connecting to database")
	conn, err := c.connect(ctx, params)
	if err != nil {
		return customresource.Outcome{}, fmt.Errorf("connect database: %w", err)
	}
	defer func() {
		if cerr := db.Close(conn); cerr != nil {
			logger.Warn().Err(cerr).Msg("close database connection")
			return
		}
		logger.Info().Msg("database connection closed")
	}()

	switch e.RequestType {
	case cfn.RequestCreate, cfn.RequestUpdate:
		if kind == kindPassword {
			return c.rotate(ctx, logger, e, conn, root, params)
		}
		return c.migrate(ctx, logger, e, conn, rec)
	case cfn.RequestDelete:
		logger.Info().Msg("delete requested, no action required")
		return customresource.Success(fallbackID, nil), nil
	default:
		logger.Warn().Msg("unknown request type, no action taken")
		return customresource.Success(fallbackID, nil), nil
	}
}

func (c *Controller) migrate(ctx context.Context, logger zerolog.Logger, e cfn.Event, conn db.Conn, rec *metrics.Recorder) (customresource.Outcome, error) {
	src, err := migrator.ResolveSource(ctx, c.cfg.SQLSource, c.cfg.SQLRoot, c.fetcher, logger)
	if err != nil {
		return customresource.Outcome{}, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("remove extracted sql bundle")
		}
	}()

	plan, err := migrator.ResolvePlan(src.Root, c.cfg.SQLPlanFile)
	if err != nil {
		return customresource.Outcome{}, err
	}

	fingerprint, err := migrator.Fingerprint(src.Root)
	if err != nil {
		return customresource.Outcome{}, err
	}
	if declared, ok := customresource.StringProperty(e, "Fingerprint"); ok && declared != fingerprint {
		logger.Warn().Str("declared", declared).Str("computed", fingerprint).Msg("sql fingerprint differs from stack property")
	}

	runner, err := migrator.NewRunner(conn, migrator.WithLogger(logger), migrator.WithObserver(rec))
	if err != nil {
		return customresource.Outcome{}, err
	}

	logger.Info().Str("root", src.Origin).Strs("directories", plan.Directories).Msg("running database migrations")
	stats, err := runner.Run(ctx, src.Root, plan)
	if err != nil {
		return customresource.Outcome{}, err
	}
	logger.Info().Int("applied", stats.Applied).Int("skipped", stats.Skipped).Msg(migrationsDoneMessage)

	return customresource.Success(customresource.StableID(e), map[string]any{
		"Message":     migrationsDoneMessage,
		"Fingerprint": fingerprint,
		"Applied":     stats.Applied,
		"Skipped":     stats.Skipped,
	}), nil
}

func (c *Controller) rotate(ctx context.Context, logger zerolog.Logger, e cfn.Event, conn db.Conn, root secrets.Record, params db.Params) (customresource.Outcome, error) {
	username, _ := customresource.StringProperty(e, "Username")
	secretID, _ := customresource.StringProperty(e, "SecretId")

	rotator, err := credentials.NewRotator(conn, c.secrets, logger)
	if err != nil {
		return customresource.Outcome{}, err
	}
	physicalID, err := rotator.Rotate(ctx, credentials.Request{Username: username, SecretID: secretID}, root, params)
	if err != nil {
		return customresource.Outcome{}, err
	}
	return customresource.Success(physicalID, nil), nil
}

func (c *Controller) pushMetrics(ctx context.Context, logger zerolog.Logger, e cfn.Event, rec *metrics.Recorder) {
	if c.cfg.PushgatewayURL == "" {
		return
	}
	grouping := map[string]string{
		"stack":               stackName(e.StackID),
		"logical_resource_id": e.LogicalResourceID,
	}
	if err := rec.Push(ctx, c.cfg.PushgatewayURL, metricsJob, grouping); err != nil {
		logger.Warn().Err(err).Msg("push metrics")
	}
}

func (c *Controller) publish(ctx context.Context, logger zerolog.Logger, e cfn.Event, kind string, o customresource.Outcome, statusCode int, sendErr error) {
	if c.publisher == nil || c.cfg.NATSSubject == "" {
		return
	}
	evt := bus.OutcomeEvent{
		StackID:            e.StackID,
		RequestID:          e.RequestID,
		LogicalResourceID:  e.LogicalResourceID,
		ResourceType:       e.ResourceType,
		RequestType:        string(e.RequestType),
		Kind:               kind,
		Status:             string(o.Status),
		Reason:             o.Reason,
		PhysicalResourceID: o.PhysicalResourceID,
		Delivered:          sendErr == nil,
		CallbackStatus:     statusCode,
		Time:               time.Now().UTC(),
	}
	if err := c.publisher.PublishOutcome(ctx, c.cfg.NATSSubject, evt); err != nil {
		logger.Warn().Err(err).Msg("publish audit event")
	}
}

// stackName extracts the name from arn:aws:cloudformation:<region>:<account>:stack/<name>/<id>.
func stackName(stackID string) string {
	_, rest, ok := strings.Cut(stackID, ":stack/")
	if !ok {
		return stackID
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}
