package migrator

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NoSQLFiles is the fingerprint of a missing SQL root.
const NoSQLFiles = "no-sql-files"

// Fingerprint summarises the content of every .sql file below root. Any change to a
// file's name or bytes changes the result, which lets a stack template carry it as a
// resource property so edits trigger an Update.
//
// Files are visited top-down: the sorted files of a directory first, then each
// subdirectory in name order. Entries are "<base name>:<md5 hex>" joined by "|" and the
// result is the md5 hex of that string.
func Fingerprint(root string) (string, error) {
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return NoSQLFiles, nil
	} else if err != nil {
		return "", fmt.Errorf("stat %s: %w", root, err)
	}

	var entries []string
	if err := fingerprintDir(root, &entries); err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(strings.Join(entries, "|")))
	return hex.EncodeToString(sum[:]), nil
}

func fingerprintDir(dir string, entries *[]string) error {
	listing, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}

	var files, subdirs []string
	for _, entry := range listing {
		switch {
		case entry.IsDir():
			subdirs = append(subdirs, entry.Name())
		case strings.HasSuffix(entry.Name(), sqlExt):
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	sort.Strings(subdirs)

	for _, name := range files {
		digest, err := fileMD5(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		*entries = append(*entries, name+":"+digest)
	}
	for _, name := range subdirs {
		if err := fingerprintDir(filepath.Join(dir, name), entries); err != nil {
			return err
		}
	}
	return nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
