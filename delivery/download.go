package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClipVideoURL derives the direct mp4 URL from a clip's thumbnail URL. Clip
// thumbnails embed the video path before a "-preview-WxH.jpg" suffix; there is
// no documented endpoint for the mp4, so this is the same derivation every
// clip downloader relies on.
func ClipVideoURL(thumbnailURL string) (string, error) {
	idx := strings.Index(thumbnailURL, "-preview-")
	if idx < 0 {
		return "", fmt.Errorf("thumbnail url has no preview marker: %s", thumbnailURL)
	}
	return thumbnailURL[:idx] + ".mp4", nil
}

// Downloader fetches clip videos with a size ceiling, so oversized clips are
// skipped instead of blowing Discord's upload limit.
type Downloader struct {
	Client   *http.Client
	MaxBytes int64
}

// ErrTooLarge is wrapped into download errors when a clip video exceeds the
// configured ceiling.
var ErrTooLarge = fmt.Errorf("clip video exceeds size limit")

func NewDownloader(maxBytes int64) *Downloader {
	return &Downloader{
		Client:   &http.Client{Timeout: 60 * time.Second},
		MaxBytes: maxBytes,
	}
}

// FetchClipVideo downloads the mp4 behind a clip thumbnail. Returns ErrTooLarge
// (wrapped) when the body exceeds MaxBytes, whether announced via
// Content-Length or discovered while reading.
func (d *Downloader) FetchClipVideo(ctx context.Context, thumbnailURL string) ([]byte, error) {
	url, err := ClipVideoURL(thumbnailURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch clip video: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch clip video: status %d", resp.StatusCode)
	}
	if d.MaxBytes > 0 && resp.ContentLength > d.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	reader := io.Reader(resp.Body)
	if d.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, d.MaxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read clip video: %w", err)
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return nil, fmt.Errorf("%w: body larger than %d bytes", ErrTooLarge, d.MaxBytes)
	}
	return data, nil
}
