package pack

import (
	"archive/zip"
	"bytes"
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
)

// DefaultIgnore is always excluded from packages
var DefaultIgnore = []string{
	".git/**",
	"node_modules/**",
	".DS_Store",
	"*.log",
	".env",
}

// ErrEmpty is returned when nothing in the directory survives the ignore rules
var ErrEmpty = errors.New("nothing to package")

// Options controls what goes into a package
type Options struct {
	// Ignore patterns are matched against slash separated paths relative
	// to the packaged directory. "dir/**" excludes a whole tree, a pattern
	// without a slash matches the base name at any depth.
	Ignore []string

	// KeepNodeModules drops node_modules from the default ignore list
	KeepNodeModules bool
}

// Package is a zipped directory
type Package struct {
	Data      []byte
	Files     int
	SHA256    string
	SourceDir string
}

// Size returns the archive size in bytes
func (p *Package) Size() int64 {
	return int64(len(p.Data))
}

// Reader returns a reader over the archive bytes
func (p *Package) Reader() io.Reader {
	return bytes.NewReader(p.Data)
}

// fixed timestamp so identical trees produce identical archives
var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Zip packages dir into an in-memory zip archive. Entries are sorted and
// carry a fixed modification time so the same tree always hashes the same.
func Zip(dir string, opts Options) (*Package, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("source directory %s not found: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matcher := NewMatcher(opts.patterns())

	var files []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrEmpty)
	}
	sort.Strings(files)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, rel := range files {
		if err := addFile(zw, dir, rel); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Package{
		Data:      buf.Bytes(),
		Files:     len(files),
		SHA256:    hex.EncodeToString(sum[:]),
		SourceDir: dir,
	}, nil
}

func addFile(zw *zip.Writer, dir, rel string) error {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	header.Name = rel
	header.Method = zip.Deflate
	header.Modified = epoch

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", rel, err)
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to compress %s: %w", rel, err)
	}
	return nil
}

// Verify re-opens the archive and reads every entry
func Verify(p *Package) error {
	zr, err := zip.NewReader(bytes.NewReader(p.Data), int64(len(p.Data)))
	if err != nil {
		return fmt.Errorf("archive is not a valid zip: %w", err)
	}
	if len(zr.File) != p.Files {
		return fmt.Errorf("archive has %d entries, expected %d", len(zr.File), p.Files)
	}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
	}
	return nil
}

func (o Options) patterns() []string {
	patterns := make([]string, 0, len(DefaultIgnore)+len(o.Ignore))
	for _, p := range DefaultIgnore {
		if o.KeepNodeModules && p == "node_modules/**" {
			continue
		}
		patterns = append(patterns, p)
	}
	return append(patterns, o.Ignore...)
}

// Matcher decides whether a relative path is ignored
type Matcher struct {
	patterns []string
}

// NewMatcher builds a matcher from ignore patterns
func NewMatcher(patterns []string) *Matcher {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(filepath.ToSlash(p))
		p = strings.TrimPrefix(p, "./")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &Matcher{patterns: cleaned}
}

// Match reports whether the file at rel is ignored
func (m *Matcher) Match(rel string) bool {
	base := path.Base(rel)
	for _, p := range m.patterns {
		if strings.HasSuffix(p, "/**") {
			prefix := strings.TrimSuffix(p, "/**")
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") || hasSegment(rel, prefix) {
				return true
			}
			continue
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// MatchDir reports whether a whole directory can be skipped
func (m *Matcher) MatchDir(rel string) bool {
	for _, p := range m.patterns {
		if !strings.HasSuffix(p, "/**") {
			continue
		}
		prefix := strings.TrimSuffix(p, "/**")
		if rel == prefix || hasSegment(rel, prefix) {
			return true
		}
	}
	return false
}

// hasSegment matches single-segment prefixes like node_modules at any depth
func hasSegment(rel, name string) bool {
	if strings.Contains(name, "/") {
		return false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == name {
			return true
		}
	}
	return false
}
