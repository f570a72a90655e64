package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/alpacahq/replicatedtree/models"
	"github.com/alpacahq/replicatedtree/utils/log"
)

var (
	// ErrPartNotFound means the donor does not have the part (any more).
	ErrPartNotFound = errors.New("part not found on donor")
	ErrUnauthorized = errors.New("interserver credentials rejected")
	// ErrDonorBusy is returned when the donor is overloaded or shutting down.
	ErrDonorBusy = errors.New("donor is busy")
)

type ClientConfig struct {
	Credentials Credentials
	Compress    bool
	Timeout     time.Duration
	// RetryAttempts bounds retries of connection errors per fetch.
	RetryAttempts int
	RetryDelay    time.Duration
}

// Client downloads parts from other replicas. Every donor host gets its own
// circuit breaker so one dead replica does not slow down the others.
type Client struct {
	http   *http.Client
	config ClientConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(httpClient *http.Client, config ClientConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 100 * time.Millisecond
	}
	return &Client{http: httpClient, config: config, breakers: map[string]*gobreaker.CircuitBreaker{}}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fetch-" + host,
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// only transport failures count against the donor
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrPartNotFound) || errors.Is(err, ErrUnauthorized)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("circuit %s changed from %s to %s", name, from, to)
			},
		})
		c.breakers[host] = cb
	}
	return cb
}

// Download is an open part stream. Name may differ from the requested part
// when the donor served a covering part.
type Download struct {
	Name   string
	Header models.PartHeader
	Body   io.ReadCloser
}

type snappyBody struct {
	io.Reader
	raw io.Closer
}

func (b snappyBody) Close() error { return b.raw.Close() }

// FetchPart opens the payload of part on the replica at addr.
func (c *Client) FetchPart(ctx context.Context, addr models.ReplicaAddress, part string) (*Download, error) {
	u, err := url.Parse(addr.BaseURL() + "/")
	if err != nil {
		return nil, errors.Wrap(err, "build donor url")
	}
	q := u.Query()
	q.Set("endpoint", EndpointID(addr.ReplicaPath()))
	q.Set("part", part)
	q.Set("compress", strconv.FormatBool(c.config.Compress))
	u.RawQuery = q.Encode()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.config.RetryAttempts)), ctx)

	var dl *Download
	cb := c.breaker(u.Host)
	op := func() error {
		res, err := cb.Execute(func() (interface{}, error) {
			return c.do(ctx, u.String())
		})
		if err != nil {
			if errors.Is(err, ErrPartNotFound) || errors.Is(err, ErrUnauthorized) ||
				errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		dl = res.(*Download)
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.Wrapf(ErrDonorBusy, "%s: %v", u.Host, err)
		}
		return nil, err
	}
	return dl, nil
}

func (c *Client) do(ctx context.Context, target string) (*Download, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create fetch request")
	}
	if c.config.Credentials.User != "" || c.config.Credentials.Password != "" {
		req.SetBasicAuth(c.config.Credentials.User, c.config.Credentials.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "execute fetch request")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrPartNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, ErrUnauthorized
	case http.StatusServiceUnavailable:
		resp.Body.Close()
		return nil, ErrDonorBusy
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("donor returned status %d: %s", resp.StatusCode, body)
	}

	h := resp.Header
	size, err1 := strconv.ParseInt(h.Get(HeaderPartSize), 10, 64)
	rows, err2 := strconv.ParseInt(h.Get(HeaderPartRows), 10, 64)
	if err1 != nil || err2 != nil || h.Get(HeaderPartName) == "" || h.Get(HeaderPartChecksum) == "" {
		resp.Body.Close()
		return nil, backoff.Permanent(errors.New("donor response lacks part headers"))
	}
	dl := &Download{
		Name:   h.Get(HeaderPartName),
		Header: models.PartHeader{Checksum: h.Get(HeaderPartChecksum), Size: size, Rows: rows},
		Body:   resp.Body,
	}
	if compressed, _ := strconv.ParseBool(h.Get(HeaderCompressed)); compressed {
		dl.Body = snappyBody{Reader: snappy.NewReader(resp.Body), raw: resp.Body}
	}
	return dl, nil
}
