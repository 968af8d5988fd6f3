// Package dask connects to the scheduler of a Dask cluster. The scheduler HTTP API served next to
// the dashboard is used to inspect and retire workers.
package dask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Endpoint holds the addresses a cluster is reached on from outside of Kubernetes.
type Endpoint struct {
	// Scheduler is the address of the scheduler like tcp://192.168.49.2:30786.
	Scheduler string `json:"scheduler"`
	// Dashboard is the address of the dashboard like http://192.168.49.2:30787.
	Dashboard string `json:"dashboard"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("scheduler %s, dashboard %s", e.Scheduler, e.Dashboard)
}

func NewDialer(timeout time.Duration) *Dialer {
	return &Dialer{
		timeout: timeout,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Dialer opens connections to a scheduler.
type Dialer struct {
	timeout time.Duration
	http    *http.Client
}

// Dial connects to the scheduler of endpoint. Dial fails if the scheduler does not accept the
// connection within the timeout of the dialer.
func (d *Dialer) Dial(ctx context.Context, endpoint Endpoint) (*Client, error) {
	host, err := schedulerHost(endpoint.Scheduler)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scheduler %q: %w", endpoint.Scheduler, err)
	}

	return NewClient(endpoint, conn, d.http), nil
}

func schedulerHost(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", errdef.NewValidation("invalid scheduler address %q: %v", address, err)
	}
	if u.Scheme != "tcp" || u.Host == "" {
		return "", errdef.NewValidation("invalid scheduler address %q: expected tcp://host:port", address)
	}
	return u.Host, nil
}

// NewClient creates a client holding conn. conn may be nil if the client is only used for the
// scheduler HTTP API.
func NewClient(endpoint Endpoint, conn net.Conn, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{endpoint: endpoint, conn: conn, http: httpClient}
}

// Client is a handle on a connected scheduler.
type Client struct {
	endpoint Endpoint
	conn     net.Conn
	http     *http.Client
}

func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

type Worker struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Workers struct {
	NumWorkers int      `json:"num_workers"`
	Workers    []Worker `json:"workers"`
}

// Workers returns the workers connected to the scheduler.
func (c *Client) Workers(ctx context.Context) (Workers, error) {
	var workers Workers
	err := c.do(ctx, http.MethodGet, "/api/v1/get_workers", nil, &workers)
	if err != nil {
		return Workers{}, err
	}
	return workers, nil
}

// RetiredWorkers maps the address of each retired worker to its name.
type RetiredWorkers map[string]string

// RetireWorkers gracefully retires n workers. Their tasks and data are moved to the remaining
// workers. The deployment still has to be scaled down, otherwise the workers are restarted.
func (c *Client) RetireWorkers(ctx context.Context, n int) (RetiredWorkers, error) {
	body, err := json.Marshal(map[string]any{"n": n})
	if err != nil {
		return nil, err
	}

	var response map[string]struct {
		Name json.RawMessage `json:"name"`
	}
	err = c.do(ctx, http.MethodPost, "/api/v1/retire_workers", body, &response)
	if err != nil {
		return nil, err
	}

	retired := make(RetiredWorkers, len(response))
	for address, worker := range response {
		// names are strings or integers depending on how the worker was started
		retired[address] = strings.Trim(string(worker.Name), `"`)
	}
	return retired, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, v any) error {
	if c.endpoint.Dashboard == "" {
		return fmt.Errorf("no dashboard address to reach the scheduler API on")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.endpoint.Dashboard, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("failed to request scheduler API: %w", err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("scheduler API %s %s responded with %d: %s", method, path, response.StatusCode, data)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode scheduler API response: %v", err)
	}
	return nil
}

// Close closes the connection to the scheduler. It is safe to call Close more than once.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
