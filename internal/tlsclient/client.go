// Package tlsclient is the service's boundary to the upstream Trixel
// Lookup Service (TLS): registration, periodic detail synchronization,
// delegation-table refresh, and per-tick station-count publication.
//
// Every call runs behind a closed/open/half-open circuit breaker, so a
// down TLS fails fast instead of stacking up blocked ticks; counts that
// could not be published stay dirty and are retried next tick.
package tlsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/TillFleisch/TrixelManagementService/internal/config"
	"github.com/TillFleisch/TrixelManagementService/internal/model"
)

// ErrCircuitOpen is returned by a call made while the breaker is open.
var ErrCircuitOpen = errors.New("tlsclient: circuit open")

// ErrTLSCritical wraps a TLS response the service cannot recover from on
// its own (deactivation, a rejected token): processing must stop and an
// operator must intervene, since retrying cannot help.
var ErrTLSCritical = errors.New("tlsclient: critical TLS error")

// Registration is what the TLS returns from a sign-up call.
type Registration struct {
	ID     int64  `json:"id"`
	Active bool   `json:"active"`
	Token  string `json:"token"`
}

// Details is the TLS's view of this TMS's own registration.
type Details struct {
	ID     int64  `json:"id"`
	Active bool   `json:"active"`
	Host   string `json:"host"`
}

type breakerState int

const (
	circuitClosed breakerState = iota
	circuitOpen
	circuitHalfOpen
)

// Client talks to the upstream TLS over HTTP, behind a circuit breaker
// that opens after repeated failures and half-opens for a single trial
// call after a cooldown.
type Client struct {
	http *http.Client
	base string // e.g. "https://tls.example.org/v1"

	mu          sync.Mutex
	token       string
	state       breakerState
	failures    int
	successes   int
	nextAttempt time.Time
}

// New builds a Client for the configured TLS endpoint.
func New(cfg config.TLSConfig) *Client {
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return &Client{
		http: &http.Client{Timeout: 10 * time.Second},
		base: fmt.Sprintf("%s://%s/v1", scheme, cfg.Host),
	}
}

// SetToken records the bearer token the TLS issued for this TMS; every
// subsequent call carries it in the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Client) allow(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if now.Before(c.nextAttempt) {
			return ErrCircuitOpen
		}
		c.state = circuitHalfOpen
	}
	return nil
}

func (c *Client) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		c.successes = 0
		if c.state == circuitHalfOpen || c.failures >= 5 {
			c.state = circuitOpen
			c.nextAttempt = time.Now().Add(5 * time.Second)
		}
		return
	}
	c.failures = 0
	if c.state == circuitHalfOpen {
		c.successes++
		if c.successes >= 1 {
			c.state = circuitClosed
		}
	}
}

// do issues one HTTP call guarded by the breaker, decoding a JSON
// response body into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.allow(time.Now()); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		c.recordResult(err)
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordResult(err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// A rejected credential cannot heal with retries; surface it as
		// critical so the caller stops processing instead of hammering the
		// TLS with a bad token.
		err := fmt.Errorf("%w: %s %s returned %d", ErrTLSCritical, method, path, resp.StatusCode)
		c.recordResult(err)
		return err
	}
	if resp.StatusCode/100 != 2 {
		err := fmt.Errorf("tlsclient: %s %s returned %d", method, path, resp.StatusCode)
		c.recordResult(err)
		return err
	}
	c.recordResult(nil)

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register signs this TMS up at the TLS, receiving its assigned id,
// activation flag, and bearer token.
func (c *Client) Register(ctx context.Context, host string) (*Registration, error) {
	var reg Registration
	if err := c.do(ctx, http.MethodPost, "/tms?host="+host, nil, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SyncDetails fetches and republishes this TMS's registration details.
// A deactivated registration is an ErrTLSCritical: contribution
// processing must halt until an operator intervenes.
func (c *Client) SyncDetails(ctx context.Context, id int64, host, token string) (*Details, error) {
	var current Details
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tms/%d", id), nil, &current); err != nil {
		return nil, err
	}
	if !current.Active {
		return nil, fmt.Errorf("%w: tms %d deactivated by TLS", ErrTLSCritical, id)
	}

	var updated Details
	payload := struct {
		Host  string `json:"host"`
		Token string `json:"token"`
	}{Host: host, Token: token}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/tms/%d", id), payload, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// FetchDelegations retrieves the delegation table assigned to this TMS.
func (c *Client) FetchDelegations(ctx context.Context, id int64) ([]model.Delegation, error) {
	var delegations []model.Delegation
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tms/%d/delegations", id), nil, &delegations); err != nil {
		return nil, err
	}
	return delegations, nil
}

// StationCountUpdate is one trixel's contributing-station count, as
// published to the TLS after a tick changes it.
type StationCountUpdate struct {
	TrixelID model.TrixelID          `json:"trixel_id"`
	Type     model.MeasurementType   `json:"measurement_type"`
	MsCount  int                     `json:"ms_count"`
}

// PublishCounts sends every changed station count to the TLS in one
// batch, so the circuit breaker is checked once and records one success
// or failure for the whole batch rather than per update.
func (c *Client) PublishCounts(ctx context.Context, updates []StationCountUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/measurement-stations/count", updates, nil)
}

// PopulatedTrixels fetches the full set of trixels the TLS believes are
// currently populated for a measurement type, used on activation to
// pre-create privatizers for regions that had contributors before a
// restart.
func (c *Client) PopulatedTrixels(ctx context.Context, typ model.MeasurementType) ([]model.TrixelID, error) {
	var ids []model.TrixelID
	path := fmt.Sprintf("/trixel?measurement_type=%d&populated=true", typ)
	if err := c.do(ctx, http.MethodGet, path, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
