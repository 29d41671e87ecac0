package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dbstack/pkg/bus"
	"dbstack/pkg/s3"
	"dbstack/pkg/secrets"
	"dbstack/pkg/telemetry"
	"dbstack/services/customresource"
	"dbstack/services/migrator"
	"dbstack/services/provisioner"
)

const serviceName = "dbstack-provisioner"

func main() {
	ctx := context.Background()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()

	cfg, err := provisioner.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	logger := tel.Logger

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("load aws config")
	}

	var fetcher migrator.Fetcher
	if cfg.SQLSource != "" {
		fetcher = s3.NewClient(awsCfg, s3.Options{Endpoint: cfg.S3Endpoint, ForcePathStyle: cfg.S3ForcePathStyle})
	}

	// Audit publishing is optional.
	var publisher provisioner.Publisher
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			logger.Warn().Err(err).Msg("connect nats, audit events disabled")
		} else {
			defer b.Close()
			publisher = b
		}
	}

	ctrl, err := provisioner.New(provisioner.Dependencies{
		Config:    cfg,
		Secrets:   secrets.NewStore(awsCfg),
		Connect:   provisioner.PGConnector,
		Responder: customresource.NewResponder(telemetry.HTTPClient(&http.Client{Timeout: 30 * time.Second}), logger),
		Fetcher:   fetcher,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build controller")
	}

	lambda.Start(func(ctx context.Context, e cfn.Event) (provisioner.Result, error) {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Flush(flushCtx); err != nil {
				logger.Warn().Err(err).Msg("flush traces")
			}
		}()
		return ctrl.Handle(ctx, e)
	})
}
