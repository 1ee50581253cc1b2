package archive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Download streams url into dest through a temp file in the same directory,
// renaming it into place once complete. It returns the number of bytes
// written. Non-200 responses yield an *inat.FetchError.
func Download(ctx context.Context, client *http.Client, url, dest string, progress io.Writer) (int64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, &inat.FetchError{URL: url, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &inat.FetchError{
			URL:        url,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	bar := newBar(total, "Downloading "+filepath.Base(dest), progress)
	bar.Set(pb.Bytes, true)
	n, err := io.Copy(tmp, bar.NewProxyReader(resp.Body))
	bar.Finish()
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return n, &inat.FetchError{URL: url, Cause: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return n, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return n, fmt.Errorf("move %s into place: %w", dest, err)
	}
	return n, nil
}

// newBar creates a progress bar with consistent settings. A nil out yields a
// static bar that never renders.
func newBar(total int64, prefix string, out io.Writer) *pb.ProgressBar {
	bar := pb.New64(total).SetTemplate(pb.Full)
	if out == nil {
		bar.SetWriter(io.Discard)
		bar.Set(pb.Static, true)
	} else {
		bar.SetWriter(out)
	}
	bar.Set("prefix", prefix)
	bar.Set(pb.CleanOnFinish, true)
	return bar.Start()
}
