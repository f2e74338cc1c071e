package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ObjectStore receives code packages and export artifacts
type ObjectStore interface {
	// Put stores size bytes from r under key and returns a location
	// string describing where the object ended up.
	Put(ctx context.Context, key string, r io.Reader, size int64) (string, error)
}

// ErrInvalidKey is returned for keys that would escape the store
var ErrInvalidKey = errors.New("invalid object key")

// CleanKey normalizes a key to a relative slash path and rejects traversal
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(filepath.ToSlash(key))
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", ErrInvalidKey
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// JoinKey joins a prefix and name into an object key
func JoinKey(prefix string, parts ...string) string {
	all := append([]string{strings.Trim(prefix, "/")}, parts...)
	nonEmpty := all[:0]
	for _, p := range all {
		if p != "" {
			nonEmpty = append(nonEmpty, strings.Trim(p, "/"))
		}
	}
	return strings.Join(nonEmpty, "/")
}

// LocalStore writes objects below a directory
type LocalStore struct {
	Dir string
}

// Put writes the object atomically and returns its file path
func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	written, err := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("short write: %d of %d bytes", written, size)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return dest, nil
}

// Open returns a reader for a previously stored object
func (s *LocalStore) Open(key string) (*os.File, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.Dir, filepath.FromSlash(key)))
}

// PresignedPut uploads one object with an HTTP PUT to a URL handed out by
// the management API. The key is ignored; the URL already names the object.
type PresignedPut struct {
	URL        string
	Headers    map[string]string
	HTTPClient *http.Client
}

// Put streams r to the presigned URL
func (p *PresignedPut) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.URL, r)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/zip")
	}

	client := p.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload package: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// strip the signature from what gets printed
	location := p.URL
	if i := strings.IndexByte(location, '?'); i >= 0 {
		location = location[:i]
	}
	return location, nil
}
