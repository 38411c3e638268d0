// Package firmware implements the single-flight background firmware
// downloader of spec.md C4 / §4.4: a caller asks whether a file is
// Available; if not, at most one background fetch per path is started and
// every caller is told false until the file lands.
package firmware

import (
	"context"
	"crypto/md5" //nolint:gosec // integrity-only, not a security checksum (spec.md §4.4 step 4)
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const downloadSuffix = ".download"

// Downloader coalesces concurrent fetches of the same path via a
// golang.org/x/sync/singleflight.Group so that, regardless of how many
// callers invoke Available concurrently, at most one background download
// per path is in flight.
type Downloader struct {
	Log logr.Logger

	group      singleflight.Group
	httpClient *http.Client
}

// New constructs a Downloader. A nil httpClient defaults to http.DefaultClient.
func New(log logr.Logger, httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{Log: log, httpClient: httpClient}
}

// Available implements spec.md §4.4: true if path already exists; else, if
// a download isn't already running and sourceURL is non-empty, starts one
// in the background and returns false in every case except the first.
// ctx only bounds the existence check, never the detached background
// fetch (SPEC_FULL.md supplemental note).
func (d *Downloader) Available(ctx context.Context, path, sourceURL, expectedChecksum string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if sourceURL == "" {
		return false
	}

	// DoChan launches the function in its own goroutine (deduplicated by
	// key across concurrent callers) and returns immediately without
	// blocking this caller on the result.
	d.group.DoChan(path, func() (interface{}, error) {
		err := d.fetch(context.Background(), path, sourceURL, expectedChecksum)
		if err != nil {
			d.Log.Error(err, "firmware download failed", "path", path, "url", sourceURL)
		}
		return nil, err
	})
	return false
}

func (d *Downloader) fetch(ctx context.Context, path, sourceURL, expectedChecksum string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("firmware: create parent directory: %w", err)
	}

	tmpPath := path + downloadSuffix
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("firmware: open temp file: %w", err)
	}

	if err := d.stream(ctx, tmp, sourceURL); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("firmware: close temp file: %w", err)
	}

	if expectedChecksum != "" {
		sum, err := md5Sum(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("firmware: checksum temp file: %w", err)
		}
		if sum != expectedChecksum {
			os.Remove(tmpPath)
			return fmt.Errorf("firmware: checksum mismatch for %q: got %s want %s", path, sum, expectedChecksum)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("firmware: rename temp file into place: %w", err)
	}
	return nil
}

func (d *Downloader) stream(ctx context.Context, dst io.Writer, sourceURL string) error {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return fmt.Errorf("firmware: parse url %q: %w", sourceURL, err)
	}

	switch u.Scheme {
	case "file":
		src, err := os.Open(u.Path)
		if err != nil {
			return fmt.Errorf("firmware: open local source %q: %w", u.Path, err)
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
		if err != nil {
			return fmt.Errorf("firmware: build request: %w", err)
		}
		resp, err := d.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("firmware: fetch %q: %w", sourceURL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("firmware: fetch %q: unexpected status %d", sourceURL, resp.StatusCode)
		}
		_, err = io.Copy(dst, resp.Body)
		return err
	default:
		return fmt.Errorf("firmware: unsupported scheme %q", u.Scheme)
	}
}

func md5Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
