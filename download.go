package imagecheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DownloadOpts configures an image download.
type DownloadOpts struct {
	MaxBytes  int64         // max response body size (default: Config.MaxDownloadBytes)
	MinBytes  int           // reject if smaller (default: 0)
	Timeout   time.Duration // per-request timeout (default: 15s)
	UserAgent string        // override config user agent
}

const defaultTimeout = 15 * time.Second

// DownloadResult holds downloaded image data.
type DownloadResult struct {
	Data     []byte
	MIMEType string
}

// Download fetches an image from url. Tries cfg.StealthClient first (if set),
// falls back to cfg.HTTPClient.
// Returns nil result (not error) on recoverable failures (404, non-image, etc.)
// for graceful degradation.
func (cfg *Config) Download(ctx context.Context, url string, opts DownloadOpts) (*DownloadResult, error) {
	cfg.defaults()

	if opts.MaxBytes <= 0 {
		opts.MaxBytes = cfg.MaxDownloadBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = cfg.UserAgent
	}

	// Try stealth client first.
	if cfg.StealthClient != nil {
		if r := fetchImageData(ctx, cfg.StealthClient, url, ua, opts); r != nil {
			return r, nil
		}
	}

	// Fallback to regular client.
	r := fetchImageData(ctx, cfg.HTTPClient, url, ua, opts)
	return r, nil
}

// Download fetches url with the analyzer's clients and limits.
func (a *Analyzer) Download(ctx context.Context, url string) (*DownloadResult, error) {
	return a.cfg.Download(ctx, url, DownloadOpts{})
}

// AnalyzeURL downloads an image and analyses it. Any download failure is
// reported as MsgCannotDownloadImage.
func (a *Analyzer) AnalyzeURL(ctx context.Context, url string) Result {
	dl, err := a.Download(ctx, url)
	if err != nil || dl == nil {
		slog.Debug("imagecheck: download failed", slog.String("url", url), slog.Any("error", err))
		return Result{Error: MsgCannotDownloadImage}
	}
	return a.Analyze(ctx, dl.Data)
}

func fetchImageData(ctx context.Context, client *http.Client, imageURL, ua string, opts DownloadOpts) *DownloadResult {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", ua)

	resp, err := client.Do(req) //nolint:gosec // G704: URL is caller-supplied, SSRF is the caller's responsibility
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	ct := resp.Header.Get("Content-Type")
	// Strip MIME parameters: "image/jpeg; charset=utf-8" -> "image/jpeg"
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if !strings.HasPrefix(ct, "image/") {
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBytes))
	if err != nil || len(data) < opts.MinBytes {
		return nil
	}

	return &DownloadResult{Data: data, MIMEType: ct}
}
