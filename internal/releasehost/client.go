// Package releasehost is the HTTP client for the external release hosting
// service named in §6: a versioned object store with tagged releases and
// per-release downloadable assets.
package releasehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/particle-iot/flashctl/internal/logx"
)

const (
	// DefaultBaseURL points at the release host's API root.
	DefaultBaseURL = "https://api.github.com/repos/particle-iot/device-os"
	// PageSize is the page size used by ListReleases per §4.3/§6.
	PageSize      = 100
	defaultTimeout = 30 * time.Second
)

// Asset is one downloadable release asset.
type Asset struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Release mirrors §3's Release record.
type Release struct {
	Tag    string  `json:"tag_name"`
	Draft  bool    `json:"draft"`
	Assets []Asset `json:"assets"`
}

// NotFound is returned by GetReleaseByTag on a 404 response.
type NotFound struct {
	Tag string
}

func (e *NotFound) Error() string { return fmt.Sprintf("releasehost: release %q not found", e.Tag) }

// DownloadFailed wraps a failed asset download or API call with the
// asset/tag name that failed, per §4.3's error propagation contract.
type DownloadFailed struct {
	Asset string
	Err   error
}

func (e *DownloadFailed) Error() string {
	return fmt.Sprintf("releasehost: download failed for %s: %v", e.Asset, e.Err)
}
func (e *DownloadFailed) Unwrap() error { return e.Err }

// Client talks to the release host.
type Client struct {
	BaseURL    string
	Token      string // Authorization: Bearer <token>; required for draft releases.
	HTTPClient *http.Client
	MaxRetries uint64
}

// NewClient builds a Client using DefaultBaseURL.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:    DefaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
		MaxRetries: 3,
	}
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/octet-stream")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// GetReleaseByTag implements the two-try tag lookup of §4.3 slow-path
// steps 1-2 (the caller tries "v<version>" then "<version>").
func (c *Client) GetReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	var release *Release
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/releases/tags/%s", c.BaseURL, tag), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.authorize(req)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err // retryable network error
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(&NotFound{Tag: tag})
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("releasehost: server error %d fetching tag %s", resp.StatusCode, tag)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("releasehost: unexpected status %d fetching tag %s", resp.StatusCode, tag))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var r Release
		if err := json.Unmarshal(body, &r); err != nil {
			return backoff.Permanent(fmt.Errorf("releasehost: parsing release %s: %w", tag, err))
		}
		release = &r
		return nil
	}

	if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	logx.Debug("release fetched", zap.String("tag", tag), zap.Int("assets", len(release.Assets)))
	return release, nil
}

// ListReleases pages through every release, 100 per page, per §4.3 slow
// path step 3 and §6.
func (c *Client) ListReleases(ctx context.Context) ([]Release, error) {
	var all []Release
	for page := 1; ; page++ {
		var pageReleases []Release
		op := func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet,
				fmt.Sprintf("%s/releases?per_page=%d&page=%d", c.BaseURL, PageSize, page), nil)
			if err != nil {
				return backoff.Permanent(err)
			}
			c.authorize(req)

			resp, err := c.HTTPClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return backoff.Permanent(fmt.Errorf("releasehost: unexpected status %d listing releases page %d", resp.StatusCode, page))
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var pr []Release
			if err := json.Unmarshal(body, &pr); err != nil {
				return backoff.Permanent(fmt.Errorf("releasehost: parsing releases page %d: %w", page, err))
			}
			pageReleases = pr
			return nil
		}
		if err := backoff.Retry(op, c.backoffPolicy(ctx)); err != nil {
			return nil, err
		}
		if len(pageReleases) == 0 {
			break
		}
		all = append(all, pageReleases...)
		if len(pageReleases) < PageSize {
			break
		}
	}
	return all, nil
}

// DownloadAsset streams a single asset's bytes to w.
func (c *Client) DownloadAsset(ctx context.Context, asset Asset, w io.Writer) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
		if err != nil {
			return backoff.Permanent(&DownloadFailed{Asset: asset.Name, Err: err})
		}
		c.authorize(req)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return &DownloadFailed{Asset: asset.Name, Err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&DownloadFailed{
				Asset: asset.Name,
				Err:   fmt.Errorf("unexpected status %d", resp.StatusCode),
			})
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return &DownloadFailed{Asset: asset.Name, Err: err}
		}
		return nil
	}
	return backoff.Retry(op, c.backoffPolicy(ctx))
}
