package migrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sqlExt = ".sql"

// Execer runs one SQL batch. *pgx.Conn satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Observer receives per-file results, typically a metrics recorder.
type Observer interface {
	FileApplied(dir string, elapsed time.Duration)
	FileSkipped(dir string, elapsed time.Duration)
	FileFailed(dir string, elapsed time.Duration)
}

// FileError is a fatal failure that stopped the run.
type FileError struct {
	Dir  string
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("execute %s: %v", filepath.ToSlash(filepath.Join(filepath.Base(e.Dir), e.File)), e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Stats summarises a run.
type Stats struct {
	Directories int
	Applied     int
	Skipped     int
}

func (s *Stats) add(o Stats) {
	s.Directories += o.Directories
	s.Applied += o.Applied
	s.Skipped += o.Skipped
}

// Runner applies .sql files against one connection, strictly serially.
type Runner struct {
	db       Execer
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithObserver sets the per-file observer.
func WithObserver(obs Observer) Option {
	return func(r *Runner) { r.observer = obs }
}

// NewRunner creates a Runner bound to db.
func NewRunner(db Execer, opts ...Option) (*Runner, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	r := &Runner{
		db:     db,
		logger: zerolog.Nop(),
		tracer: otel.Tracer("dbstack/services/migrator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run processes every directory of plan below root, in plan order. It stops at the
// first fatal error; files already applied stay applied.
func (r *Runner) Run(ctx context.Context, root string, plan Plan) (Stats, error) {
	if err := plan.Validate(); err != nil {
		return Stats{}, err
	}

	var total Stats
	for _, dir := range plan.Directories {
		stats, err := r.RunDir(ctx, filepath.Join(root, dir))
		total.add(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RunDir applies every .sql file of dir in ascending byte-wise name order.
// A missing directory is not an error.
func (r *Runner) RunDir(ctx context.Context, dir string) (Stats, error) {
	logger := r.logger.With().Str("dir", dir).Logger()
	logger.Info().Msg("processing directory")

	files, err := listSQLFiles(dir)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn().Msg("directory does not exist, skipping")
		return Stats{}, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("list directory")
		return Stats{}, fmt.Errorf("list %s: %w", dir, err)
	}
	logger.Info().Int("files", len(files)).Msg("found sql files")

	stats := Stats{Directories: 1}
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		res, err := r.applyFile(ctx, logger, dir, name)
		if err != nil {
			return stats, err
		}
		switch res {
		case fileApplied:
			stats.Applied++
		case fileSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

type fileResult int

const (
	fileEmpty fileResult = iota
	fileApplied
	fileSkipped
)

func (r *Runner) applyFile(ctx context.Context, logger zerolog.Logger, dir, name string) (fileResult, error) {
	path := filepath.Join(dir, name)
	label := filepath.Base(dir)
	logger = logger.With().Str("file", name).Logger()

	ctx, span := r.tracer.Start(ctx, "migrator.file", trace.WithAttributes(
		attribute.String("migration.dir", label),
		attribute.String("migration.file", name),
	))
	defer span.End()

	query, err := os.ReadFile(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return fileEmpty, &FileError{Dir: dir, File: name, Err: err}
	}
	if strings.TrimSpace(string(query)) == "" {
		logger.Info().Msg("empty sql file, nothing to execute")
		return fileEmpty, nil
	}

	logger.Info().Msg("executing sql file")
	start := time.Now()
	tag, execErr := r.db.Exec(ctx, string(query))
	elapsed := time.Since(start)

	if execErr == nil {
		logger.Info().Dur("elapsed", elapsed).Int64("rows", tag.RowsAffected()).Msg("executed sql file")
		r.observe(func(o Observer) { o.FileApplied(label, elapsed) })
		return fileApplied, nil
	}

	if Ignorable(execErr) {
		logger.Warn().Err(execErr).Msg("skipping sql file with ignorable error")
		span.SetAttributes(attribute.Bool("migration.skipped", true))
		r.observe(func(o Observer) { o.FileSkipped(label, elapsed) })
		return fileSkipped, nil
	}

	logger.Error().Err(execErr).Msg("sql file failed")
	span.RecordError(execErr)
	span.SetStatus(codes.Error, "exec failed")
	r.observe(func(o Observer) { o.FileFailed(label, elapsed) })
	return fileEmpty, &FileError{Dir: dir, File: name, Err: execErr}
}

func (r *Runner) observe(fn func(Observer)) {
	if r.observer != nil {
		fn(r.observer)
	}
}

func listSQLFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sqlExt) {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}
