package thirdparty

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

// Downloader fetches archives into a local cache directory.
type Downloader struct {
	Client   *http.Client
	CacheDir string
	// Retries is the number of additional attempts after a failed download.
	Retries int
	// RetryDelay is multiplied with the attempt number to get the pause between attempts.
	RetryDelay time.Duration
	// Progress enables progress bars on Output.
	Progress bool
	Output   io.Writer
}

func NewDownloader(cacheDir string, timeout time.Duration, retries int) *Downloader {
	return &Downloader{
		Client:     &http.Client{Timeout: timeout},
		CacheDir:   cacheDir,
		Retries:    retries,
		RetryDelay: time.Second,
		Progress:   true,
		Output:     os.Stderr,
	}
}

func (d *Downloader) progressBar(length int64, desc string) *progressbar.ProgressBar {
	if !d.Progress || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(length,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(d.Output),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(d.Output, "\n")
		}),
		progressbar.OptionSpinnerType(14),
	)
}

// cachePath returns the location of the cached archive for a dep.
func (d *Downloader) cachePath(name, url, checksum string) string {
	prefix := name
	if checksum != "" {
		prefix = checksum[:min(len(checksum), 16)]
	}
	return filepath.Join(d.CacheDir, prefix+"-"+archiveName(url))
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, f)
	if err != nil {
		return "", eris.Wrapf(err, "failed to hash %s", path)
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Fetch makes sure the archive behind url is available locally and returns its path and sha256 digest.
// A cached copy with a matching checksum is reused. The digest is not compared against checksum; that's
// up to the caller.
func (d *Downloader) Fetch(ctx context.Context, name, url, checksum string) (string, string, error) {
	dest := d.cachePath(name, url, checksum)
	if checksum != "" {
		digest, err := fileChecksum(dest)
		if err == nil && digest == checksum {
			buildsys.Log(ctx).Info().Str("dep", name).Str("path", dest).Msg("using cached archive")
			return dest, digest, nil
		}
	}

	err := os.MkdirAll(d.CacheDir, 0o770)
	if err != nil {
		return "", "", eris.Wrapf(err, "failed to create %s", d.CacheDir)
	}

	var lastErr error
	for attempt := 0; attempt <= d.Retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * d.RetryDelay
			buildsys.Log(ctx).Warn().
				Str("dep", name).
				Err(lastErr).
				Msgf("download failed, retrying in %s (%d/%d)", delay, attempt, d.Retries)

			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(delay):
			}
		}

		digest, err := d.download(ctx, name, url, dest)
		if err == nil {
			return dest, digest, nil
		}

		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}

		var permanent permanentError
		if errors.As(err, &permanent) {
			return "", "", err
		}
		lastErr = err
	}

	return "", "", eris.Wrapf(lastErr, "failed to download %s after %d attempts", url, d.Retries+1)
}

// permanentError marks failures that won't go away by retrying.
type permanentError struct {
	status int
	url    string
	err    error
}

func (e permanentError) Error() string {
	if e.err != nil {
		return "invalid download request for " + e.url + ": " + e.err.Error()
	}
	return "server returned " + http.StatusText(e.status) + " for " + e.url
}

func (e permanentError) Unwrap() error {
	return e.err
}

func (d *Downloader) download(ctx context.Context, name, url, dest string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", permanentError{url: url, err: err}
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", permanentError{status: resp.StatusCode, url: url}
		}
		return "", eris.Errorf("server returned %s for %s", resp.Status, url)
	}

	handle, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return "", eris.Wrapf(err, "failed to create temporary file for %s", dest)
	}
	partPath := handle.Name()
	defer func() {
		handle.Close()
		os.Remove(partPath)
	}()

	hash := sha256.New()
	tracker := NewSpeedTracker()
	bar := d.progressBar(resp.ContentLength, "     download")
	started := time.Now()

	stopReporter := d.reportSpeed(ctx, name, tracker)
	_, err = io.Copy(io.MultiWriter(handle, hash, bar, tracker), resp.Body)
	stopReporter()
	bar.Finish()
	if err != nil {
		return "", eris.Wrapf(err, "failed during download of %s", url)
	}

	err = handle.Close()
	if err != nil {
		return "", eris.Wrapf(err, "failed to write %s", partPath)
	}

	err = os.Rename(partPath, dest)
	if err != nil {
		return "", eris.Wrapf(err, "failed to move download to %s", dest)
	}

	elapsed := time.Since(started)
	total := tracker.Total()
	avg := uint64(0)
	if elapsed > 0 {
		avg = uint64(float64(total) / elapsed.Seconds())
	}
	buildsys.Log(ctx).Info().
		Str("dep", name).
		Str("size", humanize.Bytes(total)).
		Dur("took", elapsed).
		Msgf("downloaded %s (%s/s)", humanize.Bytes(total), humanize.Bytes(avg))

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// reportSpeed periodically logs the transfer speed while progress bars are hidden.
func (d *Downloader) reportSpeed(ctx context.Context, name string, tracker *SpeedTracker) func() {
	if d.Progress && os.Getenv("CI") != "true" {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				buildsys.Log(ctx).Info().Str("dep", name).Msg(tracker.String())
			}
		}
	}()

	return func() { close(done) }
}
