package migrator

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const (
	manifestFileName = "manifest.yaml"
	bundleTarPrefix  = "sql"
	bundleVersion    = "1"

	// BundleExt is the conventional suffix of a SQL bundle.
	BundleExt = ".tar.zst"
)

// Manifest describes the content of a SQL bundle.
type Manifest struct {
	Version     string       `yaml:"version"`
	CreatedAt   time.Time    `yaml:"created_at"`
	Fingerprint string       `yaml:"fingerprint"`
	Files       []BundleFile `yaml:"files"`
}

// BundleFile is one file of a bundle, relative to the SQL root.
type BundleFile struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// BuildBundle packs every regular file below root into a zstd-compressed tar written to w.
func BuildBundle(ctx context.Context, root string, w io.Writer, now time.Time) (*Manifest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat sql root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sql root %q is not a directory", root)
	}

	files, err := collectBundleFiles(ctx, root)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no files found to bundle")
	}

	fp, err := Fingerprint(root)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:     bundleVersion,
		CreatedAt:   now.UTC().Truncate(time.Second),
		Fingerprint: fp,
		Files:       files,
	}
	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(ctx, w, manifestBytes, root, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// BuildBundleFile is BuildBundle writing to the file at output.
func BuildBundleFile(ctx context.Context, root, output string, now time.Time) (*Manifest, error) {
	if output == "" {
		return nil, errors.New("output path is required")
	}
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	manifest, err := BuildBundle(ctx, root, file, now)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close output file: %w", closeErr)
	}
	if err != nil {
		os.Remove(output)
		return nil, err
	}
	return manifest, nil
}

func collectBundleFiles(ctx context.Context, root string) ([]BundleFile, error) {
	var files []BundleFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}

		file, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %q: %w", p, err)
		}
		hash := sha256.New()
		size, err := io.Copy(hash, file)
		file.Close()
		if err != nil {
			return fmt.Errorf("hash %q: %w", p, err)
		}

		files = append(files, BundleFile{
			Path:   filepath.ToSlash(rel),
			Size:   size,
			SHA256: hex.EncodeToString(hash.Sum(nil)),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func writeBundle(ctx context.Context, w io.Writer, manifest []byte, root string, m *Manifest) error {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeBundleEntries(ctx, tw, manifest, root, m); err != nil {
		tw.Close()
		encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeBundleEntries(ctx context.Context, tw *tar.Writer, manifest []byte, root string, m *Manifest) error {
	header := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  m.CreatedAt,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		file, err := os.Open(filepath.Join(root, filepath.FromSlash(entry.Path)))
		if err != nil {
			return fmt.Errorf("open %q: %w", entry.Path, err)
		}
		header := &tar.Header{
			Name:     path.Join(bundleTarPrefix, entry.Path),
			Mode:     0o644,
			Size:     entry.Size,
			ModTime:  m.CreatedAt,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			file.Close()
			return fmt.Errorf("write header for %q: %w", entry.Path, err)
		}
		if _, err := io.Copy(tw, file); err != nil {
			file.Close()
			return fmt.Errorf("copy %q: %w", entry.Path, err)
		}
		file.Close()
	}
	return nil
}

// ExtractBundle unpacks a bundle read from r into dest, which becomes the SQL root. Every
// file is checked against the manifest and entries resolving outside dest are rejected.
func ExtractBundle(ctx context.Context, r io.Reader, dest string) (*Manifest, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		written       = map[string]BundleFile{}
	)

	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		name := path.Clean(strings.TrimPrefix(header.Name, "./"))
		if name == manifestFileName && header.Typeflag == tar.TypeReg {
			if manifestBytes, err = io.ReadAll(tr); err != nil {
				return nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}

		rel, ok := strings.CutPrefix(name, bundleTarPrefix+"/")
		if !ok {
			return nil, fmt.Errorf("unexpected entry %q", header.Name)
		}
		target, err := safeJoin(dest, rel)
		if err != nil {
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("mkdir %q: %w", rel, err)
			}
		case tar.TypeReg:
			file, err := extractFile(tr, target)
			if err != nil {
				return nil, fmt.Errorf("extract %q: %w", rel, err)
			}
			file.Path = rel
			written[rel] = file
		default:
			return nil, fmt.Errorf("unsupported entry type for %q", header.Name)
		}
	}

	if len(manifestBytes) == 0 {
		return nil, fmt.Errorf("bundle missing %s", manifestFileName)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}

	if err := verifyBundle(&manifest, written); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(dest)
	if err != nil {
		return nil, err
	}
	if manifest.Fingerprint != "" && fp != manifest.Fingerprint {
		return nil, fmt.Errorf("fingerprint mismatch: manifest %s, extracted %s", manifest.Fingerprint, fp)
	}
	return &manifest, nil
}

func extractFile(r io.Reader, target string) (BundleFile, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return BundleFile{}, err
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return BundleFile{}, err
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hash), r)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return BundleFile{}, err
	}
	return BundleFile{Size: size, SHA256: hex.EncodeToString(hash.Sum(nil))}, nil
}

func verifyBundle(m *Manifest, written map[string]BundleFile) error {
	if len(m.Files) != len(written) {
		return fmt.Errorf("manifest lists %d files, archive holds %d", len(m.Files), len(written))
	}
	for _, want := range m.Files {
		got, ok := written[want.Path]
		if !ok {
			return fmt.Errorf("file %q missing from archive", want.Path)
		}
		if got.Size != want.Size {
			return fmt.Errorf("size mismatch for %q: expected %d got %d", want.Path, want.Size, got.Size)
		}
		if !strings.EqualFold(got.SHA256, want.SHA256) {
			return fmt.Errorf("sha256 mismatch for %q", want.Path)
		}
	}
	return nil
}

func safeJoin(dest, rel string) (string, error) {
	if rel == "" || rel == "." || path.IsAbs(rel) || strings.Contains(rel, `\`) {
		return "", fmt.Errorf("invalid entry path %q", rel)
	}
	target := filepath.Join(dest, filepath.FromSlash(rel))
	within, err := filepath.Rel(dest, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes the destination", rel)
	}
	return target, nil
}
