package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/tasks"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// Fetcher downloads task resources into a content-addressed cache.
// Concurrent requests for the same resource share one download.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	sem      *semaphore.Weighted
	group    singleflight.Group
}

// NewFetcher creates a fetcher with at most maxConcurrent downloads in
// flight.
func NewFetcher(cacheDir string, maxConcurrent int, timeout time.Duration) *Fetcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	debug.Info("Initializing fetcher with max downloads: %d, timeout: %s", maxConcurrent, timeout)
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// cacheKey names the cached file: the expected hash when known, otherwise
// a hash of the URL.
func cacheKey(url, expectedHash string) string {
	if expectedHash != "" {
		return strings.ToLower(expectedHash)
	}
	sum := sha256.Sum256([]byte(url))
	return "url-" + hex.EncodeToString(sum[:])
}

// Fetch returns a local path holding url's content. When expectedHash is
// set the content must hash to it; a cached copy that does not is fetched
// again.
func (f *Fetcher) Fetch(ctx context.Context, url, expectedHash string) (string, error) {
	key := cacheKey(url, expectedHash)
	target := filepath.Join(f.cacheDir, key)

	if expectedHash != "" {
		if ok, err := verifyFile(target, expectedHash); err == nil && ok {
			debug.Info("Using cached file %s", key)
			touch(target)
			return target, nil
		} else if err == nil {
			debug.Warning("Cache corrupted, re-downloading %s", key)
			os.Remove(target)
		}
	}

	ch := f.group.DoChan(key, func() (interface{}, error) {
		return target, f.download(ctx, url, expectedHash, target)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			debug.Debug("Download of %s shared with another task", key)
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *Fetcher) download(ctx context.Context, url, expectedHash, target string) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer f.sem.Release(1)

	if err := os.MkdirAll(f.cacheDir, 0750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(f.cacheDir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)

	debug.Info("Downloading %s", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		tempFile.Close()
		return fmt.Errorf("server returned status %d for %s", resp.StatusCode, url)
	}

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tempFile, hash), resp.Body)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}

	if expectedHash != "" {
		actual := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(actual, expectedHash) {
			return fmt.Errorf("hash mismatch: expected %s, got %s", expectedHash, actual)
		}
		debug.Info("File hash verified for %s", filepath.Base(target))
	}

	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	debug.Info("Downloaded %s (%d bytes)", url, written)
	return nil
}

// Upload PUTs the file at path to url.
func (f *Fetcher) Upload(ctx context.Context, url, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload output: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload returned status %d", resp.StatusCode)
	}
	debug.Info("Uploaded %d bytes to %s", info.Size(), url)
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func verifyFile(path, expectedHash string) (bool, error) {
	actual, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expectedHash), nil
}

// touch marks a cache entry as recently used so cleanup keeps it.
func touch(path string) {
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		debug.Debug("Failed to touch %s: %v", path, err)
	}
}

func downloadFailed(what string, err error) error {
	return &tasks.Error{
		Code:    protocol.ReasonDownloadFailed,
		Message: fmt.Sprintf("failed to fetch %s", what),
		Details: err.Error(),
	}
}
