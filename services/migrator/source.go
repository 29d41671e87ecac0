package migrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"dbstack/pkg/s3"
)

// Fetcher downloads an object. *s3.Client satisfies it.
type Fetcher interface {
	Download(ctx context.Context, loc s3.Location, w io.Writer) (int64, error)
}

// Source is a resolved SQL tree ready to run.
type Source struct {
	Root     string
	Origin   string
	Manifest *Manifest

	cleanup func() error
}

// Close removes any temporary files created while resolving the source.
func (s *Source) Close() error {
	if s == nil || s.cleanup == nil {
		return nil
	}
	fn := s.cleanup
	s.cleanup = nil
	return fn()
}

// ResolveSource returns the SQL tree to run. When source is an s3:// URL the bundle is
// downloaded and extracted into a temporary directory; otherwise localRoot is used as is.
func ResolveSource(ctx context.Context, source, localRoot string, fetcher Fetcher, logger zerolog.Logger) (*Source, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		if strings.TrimSpace(localRoot) == "" {
			return nil, errors.New("sql root is required")
		}
		return &Source{Root: localRoot, Origin: localRoot}, nil
	}

	loc, err := s3.ParseURL(source)
	if err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, fmt.Errorf("no object store configured for %s", loc)
	}

	workDir, err := os.MkdirTemp("", "dbstack-sql-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	src := &Source{
		Root:    filepath.Join(workDir, "sql"),
		Origin:  loc.String(),
		cleanup: func() error { return os.RemoveAll(workDir) },
	}

	manifest, err := fetchBundle(ctx, fetcher, loc, workDir, src.Root)
	if err != nil {
		src.Close()
		return nil, err
	}
	src.Manifest = manifest

	logger.Info().
		Str("source", src.Origin).
		Str("fingerprint", manifest.Fingerprint).
		Int("files", len(manifest.Files)).
		Msg("sql bundle extracted")
	return src, nil
}

func fetchBundle(ctx context.Context, fetcher Fetcher, loc s3.Location, workDir, root string) (*Manifest, error) {
	archive, err := os.CreateTemp(workDir, "bundle-*"+BundleExt)
	if err != nil {
		return nil, fmt.Errorf("create bundle file: %w", err)
	}
	defer archive.Close()

	if _, err := fetcher.Download(ctx, loc, archive); err != nil {
		return nil, fmt.Errorf("download %s: %w", loc, err)
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind bundle: %w", err)
	}
	if err := os.Mkdir(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sql root: %w", err)
	}

	manifest, err := ExtractBundle(ctx, archive, root)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", loc, err)
	}
	return manifest, nil
}
