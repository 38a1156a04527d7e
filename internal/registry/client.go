// Package registry is the HTTP client for the external device-registry
// API named in §6, used to resolve device name -> id and id -> platform
// when a requested target isn't already known locally.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBaseURL = "https://api.particle.io/v1"
	defaultTimeout = 15 * time.Second
)

// DeviceInfo is the shape of a registry-returned device record (§6).
type DeviceInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PlatformID int    `json:"platform_id"`
}

// AuthenticationRequired is returned when the registry rejects a call for
// lack of (or an invalid) bearer token.
type AuthenticationRequired struct {
	Reason string
}

func (e *AuthenticationRequired) Error() string {
	return fmt.Sprintf("registry: authentication required: %s", e.Reason)
}

// DeviceNotFound is returned when a name or id has no matching device.
type DeviceNotFound struct {
	Identity string
}

func (e *DeviceNotFound) Error() string {
	return fmt.Sprintf("registry: device %q not found", e.Identity)
}

// Client talks to the device-registry API. It caches listDevices results
// for a short TTL so resolving several names in one CLI invocation costs
// one network round trip, mirroring the cached-HTTP-client idiom used
// elsewhere in this corpus for polled device state.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries uint64

	CacheDuration time.Duration

	cacheMu    sync.RWMutex
	cached     []DeviceInfo
	cachedAt   time.Time
}

// NewClient builds a registry Client. An empty token means unauthenticated
// calls will be attempted and will surface AuthenticationRequired on 401.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:       DefaultBaseURL,
		Token:         token,
		HTTPClient:    &http.Client{Timeout: defaultTimeout},
		MaxRetries:    3,
		CacheDuration: 30 * time.Second,
	}
}

func (c *Client) backoffPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 3 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out interface{}) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return backoff.Permanent(&AuthenticationRequired{Reason: fmt.Sprintf("status %d from %s", resp.StatusCode, path)})
		}
		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(&DeviceNotFound{Identity: path})
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("registry: server error %d on %s", resp.StatusCode, path)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("registry: unexpected status %d on %s", resp.StatusCode, path))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return backoff.Permanent(fmt.Errorf("registry: parsing response from %s: %w", path, err))
			}
		}
		return nil
	}
	return backoff.Retry(op, c.backoffPolicy(ctx))
}

// ListDevices returns every device visible to the authenticated account,
// serving from cache within CacheDuration.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	c.cacheMu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < c.CacheDuration {
		defer c.cacheMu.RUnlock()
		return c.cached, nil
	}
	c.cacheMu.RUnlock()

	var devices []DeviceInfo
	if err := c.doJSON(ctx, http.MethodGet, "/devices", &devices); err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.cached = devices
	c.cachedAt = time.Now()
	c.cacheMu.Unlock()
	return devices, nil
}

// GetDevice fetches a single device by id.
func (c *Client) GetDevice(ctx context.Context, id string) (*DeviceInfo, error) {
	var d DeviceInfo
	if err := c.doJSON(ctx, http.MethodGet, "/devices/"+id, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ResolveByName finds a device by name via the cached device list.
func (c *Client) ResolveByName(ctx context.Context, name string) (*DeviceInfo, error) {
	devices, err := c.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if strings.EqualFold(devices[i].Name, name) {
			return &devices[i], nil
		}
	}
	return nil, &DeviceNotFound{Identity: name}
}

// UpdateDevice marks a device as under development against an optional
// product id, per the updateDevice(development=true, product=...) call
// named in §6.
func (c *Client) UpdateDevice(ctx context.Context, id string, development bool, product string) error {
	path := fmt.Sprintf("/devices/%s?development=%t", id, development)
	if product != "" {
		path += "&product=" + product
	}
	return c.doJSON(ctx, http.MethodPut, path, nil)
}

// InvalidateCache forces the next ListDevices call to hit the network.
func (c *Client) InvalidateCache() {
	c.cacheMu.Lock()
	c.cached = nil
	c.cacheMu.Unlock()
}
