// Package nomad wraps the Nomad API client with the rate limiting, retries and
// circuit breaking needed to run agents as batch jobs.
package nomad

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/samber/lo"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 15 * time.Second
	DefaultRetries        = 3
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultRateLimit      = 20
	DefaultBurst          = 10

	// Cap on the size of error bodies kept in APIError.
	maxErrorBody = 4096
)

type Config struct {
	Address       string
	Namespace     string
	Token         string
	TLSSkipVerify bool

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Retries is the number of attempts made for requests failing with a
	// transient error.
	Retries    uint
	RetryDelay time.Duration

	// RateLimit is the number of requests per second sent to the scheduler.
	RateLimit float64
	Burst     int

	// HTTPClient overrides the client built from the timeouts and TLS settings.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	api       *nomadapi.Client
	address   *url.URL
	namespace string
	logger    *slog.Logger

	retries    uint
	retryDelay time.Duration
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

func New(config Config) (*Client, error) {
	address, err := url.Parse(strings.TrimRight(config.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse address '%s': %w", config.Address, err)
	}
	if address.Scheme != "http" && address.Scheme != "https" {
		return nil, fmt.Errorf("invalid address '%s': scheme must be http or https", config.Address)
	}
	if address.Host == "" {
		return nil, fmt.Errorf("invalid address '%s': missing host", config.Address)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(config)
	}

	apiClient, err := nomadapi.NewClient(&nomadapi.Config{
		Address:    address.String(),
		Namespace:  config.Namespace,
		SecretID:   config.Token,
		HttpClient: httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client for '%s': %w", config.Address, err)
	}

	logger := lo.Ternary(config.Logger != nil, config.Logger, slog.Default())

	c := &Client{
		api:        apiClient,
		address:    address,
		namespace:  config.Namespace,
		logger:     logger.With("component", "nomad", "address", address.String()),
		retries:    lo.Ternary(config.Retries > 0, config.Retries, DefaultRetries),
		retryDelay: lo.Ternary(config.RetryDelay > 0, config.RetryDelay, DefaultRetryDelay),
		limiter: rate.NewLimiter(
			rate.Limit(lo.Ternary(config.RateLimit > 0, config.RateLimit, DefaultRateLimit)),
			lo.Ternary(config.Burst > 0, config.Burst, DefaultBurst),
		),
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        address.String(),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

func newHTTPClient(config Config) *http.Client {
	connectTimeout := lo.Ternary(config.ConnectTimeout > 0, config.ConnectTimeout, DefaultConnectTimeout)
	readTimeout := lo.Ternary(config.ReadTimeout > 0, config.ReadTimeout, DefaultReadTimeout)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	transport.ResponseHeaderTimeout = readTimeout
	if config.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per provider
	}

	return &http.Client{Transport: transport}
}

// Address returns the scheduler address this client talks to.
func (c *Client) Address() string {
	return c.address.String()
}

func (c *Client) Namespace() string {
	return c.namespace
}

// Register submits a job.
func (c *Client) Register(ctx context.Context, job *Job) (*RegisterResponse, error) {
	var resp *RegisterResponse
	err := c.do(ctx, func() (err error) {
		resp, _, err = c.api.Jobs().Register(job, c.writeOptions(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register job '%s': %w", lo.FromPtr(job.ID), err)
	}
	return resp, nil
}

// Info returns the job with the given ID. It returns an error matching
// ErrJobNotFound if there is none.
func (c *Client) Info(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := c.do(ctx, func() (err error) {
		job, _, err = c.api.Jobs().Info(id, c.queryOptions(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}
	return job, nil
}

// List returns all jobs of the namespace, with their meta.
func (c *Client) List(ctx context.Context) ([]*JobListStub, error) {
	var jobs []*JobListStub
	err := c.do(ctx, func() (err error) {
		jobs, _, err = c.api.Jobs().ListOptions(&nomadapi.JobListOptions{
			Fields: &nomadapi.JobListFields{Meta: true},
		}, c.queryOptions(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// Deregister stops the job with the given ID, without purging it, and returns
// the ID of the evaluation.
func (c *Client) Deregister(ctx context.Context, id string) (string, error) {
	var evalID string
	err := c.do(ctx, func() (err error) {
		evalID, _, err = c.api.Jobs().Deregister(id, false, c.writeOptions(ctx))
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to deregister job '%s': %w", id, err)
	}
	return evalID, nil
}

func (c *Client) queryOptions(ctx context.Context) *nomadapi.QueryOptions {
	return (&nomadapi.QueryOptions{Namespace: c.namespace}).WithContext(ctx)
}

func (c *Client) writeOptions(ctx context.Context) *nomadapi.WriteOptions {
	return (&nomadapi.WriteOptions{Namespace: c.namespace}).WithContext(ctx)
}

// do sends a call through the rate limiter, the circuit breaker and the retry
// loop, in that order.
func (c *Client) do(ctx context.Context, call func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, retry.New(
			retry.Context(ctx),
			retry.Attempts(c.retries),
			retry.Delay(c.retryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(isTransient),
		).Do(func() error {
			err := asAPIError(call())
			if err != nil && isTransient(err) {
				c.logger.DebugContext(ctx, "Request failed", "error", err)
			}
			return err
		})
	})
	return err
}
