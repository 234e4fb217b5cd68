// Package download streams remote files to disk with a hard size ceiling
// and progress reporting. Files land under a .part name and are renamed
// into place only once fully written, so a crashed download never leaves a
// truncated file at the final path.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrTooLarge signals the size ceiling was hit.
var ErrTooLarge = errors.New("download exceeds size limit")

// Progress receives byte counts as the transfer advances. total is -1 when
// the server did not declare a length.
type Progress func(received, total int64)

// Downloader wraps one shared HTTP client.
type Downloader struct {
	client *http.Client
}

// New creates a downloader. Transfers are bounded by ctx, not by a client
// timeout: a multi-gigabyte video on venue DSL can legitimately take long.
func New() *Downloader {
	return &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// Fetch streams url to dest. Returns the number of bytes written.
func (d *Downloader) Fetch(ctx context.Context, url, dest string, maxBytes int64, progress Progress) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}

	total := resp.ContentLength
	if maxBytes > 0 && total > maxBytes {
		return 0, fmt.Errorf("%w: declared %d bytes, limit %d", ErrTooLarge, total, maxBytes)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open download file: %w", err)
	}

	written, err := d.copyWithProgress(f, resp.Body, total, maxBytes, progress)
	if err != nil {
		f.Close()
		os.Remove(part)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return 0, fmt.Errorf("sync download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("close download: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("finalize download: %w", err)
	}
	return written, nil
}

func (d *Downloader) copyWithProgress(dst io.Writer, src io.Reader, total, maxBytes int64, progress Progress) (int64, error) {
	buf := make([]byte, 128*1024)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if maxBytes > 0 && written+int64(n) > maxBytes {
				return written, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, maxBytes)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write download: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read download: %w", readErr)
		}
	}
}
