package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dbstack/pkg/db"
	"dbstack/pkg/metrics"
	"dbstack/pkg/render"
	"dbstack/pkg/s3"
	"dbstack/pkg/secrets"
	"dbstack/pkg/telemetry"
	"dbstack/services/customresource"
	"dbstack/services/migrator"
	"dbstack/services/provisioner"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:           "dbstackctl",
		Short:         "Operate dbstack SQL trees, bundles and lifecycle events locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&level, "log-level", "info", "Log level")

	logger := func() (zerolog.Logger, error) {
		return telemetry.NewLogger(telemetry.Options{
			ServiceName: "dbstackctl",
			Level:       level,
			Out:         os.Stderr,
			Console:     true,
		})
	}

	cmd.AddCommand(newMigrateCommand(logger))
	cmd.AddCommand(newFingerprintCommand())
	cmd.AddCommand(newBundleCommand())
	cmd.AddCommand(newInvokeCommand(logger))
	return cmd
}

type loggerFunc func() (zerolog.Logger, error)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newMigrateCommand(newLogger loggerFunc) *cobra.Command {
	var (
		dsn      string
		root     string
		planFile string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply a SQL tree to a database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			if dsn == "" {
				return errors.New("--dsn or DATABASE_URL is required")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}

			plan, err := migrator.ResolvePlan(root, planFile)
			if err != nil {
				return err
			}
			fingerprint, err := migrator.Fingerprint(root)
			if err != nil {
				return err
			}

			conn, err := db.ConnectDSN(ctx, dsn)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.Close(conn); err != nil {
					logger.Warn().Err(err).Msg("close database")
				}
			}()

			runner, err := migrator.NewRunner(conn, migrator.WithLogger(logger), migrator.WithObserver(metrics.New()))
			if err != nil {
				return err
			}
			stats, err := runner.Run(ctx, root, plan)
			if err != nil {
				return err
			}

			engine, err := render.New()
			if err != nil {
				return err
			}
			return engine.Write(cmd.OutOrStdout(), render.Migrate, map[string]any{
				"Origin":      root,
				"Directories": plan.Directories,
				"Fingerprint": fingerprint,
				"Applied":     stats.Applied,
				"Skipped":     stats.Skipped,
			})
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.Flags().StringVar(&root, "root", "./sql", "SQL root directory")
	cmd.Flags().StringVar(&planFile, "plan", "", "Optional plan file overriding the directory order")
	return cmd
}

func newFingerprintCommand() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the change fingerprint of a SQL tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := migrator.Fingerprint(root)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), fp)
			return err
		},
	}

	cmd.Flags().StringVar(&root, "root", "./sql", "SQL root directory")
	return cmd
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "SQL bundle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		root   string
		output string
		upload string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Pack a SQL tree into a tar.zst bundle, optionally uploading it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			var dest s3.Location
			if upload != "" {
				loc, err := s3.ParseURL(upload)
				if err != nil {
					return err
				}
				dest = loc
			}

			manifest, err := migrator.BuildBundleFile(ctx, root, output, time.Now().UTC())
			if err != nil {
				return err
			}

			if upload != "" {
				awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
				if err != nil {
					return fmt.Errorf("load aws config: %w", err)
				}
				client := s3.NewClient(awsCfg, s3.Options{
					Endpoint:       os.Getenv("S3_ENDPOINT"),
					ForcePathStyle: os.Getenv("S3_FORCE_PATH_STYLE") == "true",
				})
				if _, err := client.UploadFile(ctx, dest, output); err != nil {
					return err
				}
			}

			engine, err := render.New()
			if err != nil {
				return err
			}
			uploaded := ""
			if upload != "" {
				uploaded = dest.String()
			}
			return engine.Write(cmd.OutOrStdout(), render.Bundle, map[string]any{
				"Output":   output,
				"Manifest": manifest,
				"Uploaded": uploaded,
			})
		},
	}

	cmd.Flags().StringVar(&root, "root", "./sql", "SQL root directory")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	cmd.Flags().StringVar(&upload, "upload", "", "Optional s3://bucket/key to upload the bundle to")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newInvokeCommand(newLogger loggerFunc) *cobra.Command {
	var (
		eventFile string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Run a lifecycle event through the provisioner and capture its response",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			logger, err := newLogger()
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(eventFile)
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			var event cfn.Event
			if err := json.Unmarshal(raw, &event); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}

			cfg, err := provisioner.Load(ctx)
			if err != nil {
				return err
			}
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("load aws config: %w", err)
			}

			receiver := customresource.NewReceiver(logger)
			base, err := receiver.Start("127.0.0.1:0")
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = receiver.Close(shutdownCtx)
			}()
			if customresource.IsLifecycle(event) {
				event.ResponseURL = base + "/" + event.LogicalResourceID
			}

			deps := provisioner.Dependencies{
				Config:    cfg,
				Secrets:   secrets.NewStore(awsCfg),
				Connect:   provisioner.PGConnector,
				Responder: customresource.NewResponder(nil, logger),
				Logger:    logger,
				LogStream: "dbstackctl",
			}
			if cfg.SQLSource != "" {
				deps.Fetcher = s3.NewClient(awsCfg, s3.Options{Endpoint: cfg.S3Endpoint, ForcePathStyle: cfg.S3ForcePathStyle})
			}
			ctrl, err := provisioner.New(deps)
			if err != nil {
				return err
			}

			result, handleErr := ctrl.Handle(ctx, event)
			deliveries := receiver.Deliveries()

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(map[string]any{"result": result, "deliveries": deliveries}); err != nil {
					return err
				}
			} else if len(deliveries) > 0 {
				engine, err := render.New()
				if err != nil {
					return err
				}
				if err := engine.Write(cmd.OutOrStdout(), render.Response, deliveries); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", result.StatusCode, result.Body)
			}

			if handleErr != nil {
				return errors.Join(errors.New("invocation failed"), handleErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&eventFile, "event", "", "Path to a lifecycle event JSON document")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the captured responses as JSON")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
