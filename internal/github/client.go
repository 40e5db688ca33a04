// Package github is a minimal GitHub REST client: enough to enumerate an
// owner's repositories with bearer auth, retries, and online tracking.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/logging"
	"github.com/xmonader/githubfuse/internal/metrics"
	"github.com/xmonader/githubfuse/internal/retry"
)

const (
	perPage = 100
	// maxPages bounds pagination for pathological owners.
	maxPages = 20
)

// Config holds client configuration.
type Config struct {
	BaseURL     string // e.g. https://api.github.com
	Token       string // bearer credential, optional for public data
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client talks to the GitHub REST API.
type Client struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	retryConfig retry.Config

	mu     sync.RWMutex
	online bool
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
	}
}

// IsOnline returns true if the last API exchange succeeded.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("github api reachable again")
		} else {
			logging.Warn("github api unreachable")
		}
	}
	c.online = online
}

type repoEntry struct {
	Name string `json:"name"`
}

// ListRepositories returns the repository names of owner, paginating until
// a short page.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]string, error) {
	var names []string

	for page := 1; page <= maxPages; page++ {
		batch, err := c.listPage(ctx, owner, page)
		if err != nil {
			return nil, err
		}
		names = append(names, batch...)
		if len(batch) < perPage {
			break
		}
	}

	return names, nil
}

func (c *Client) listPage(ctx context.Context, owner string, page int) ([]string, error) {
	const op = "github: list repositories"
	url := fmt.Sprintf("%s/users/%s/repos?per_page=%d&page=%d&type=all",
		c.baseURL, owner, perPage, page)

	var names []string
	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fserr.New(fserr.KindNetwork, op, owner, err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(fserr.New(fserr.KindNetwork, op, owner, err))
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest(resp.StatusCode)

		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp, op, owner)
		}
		c.setOnline(true)

		var entries []repoEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return fserr.New(fserr.KindNetwork, op, owner, err)
		}

		names = names[:0]
		for _, e := range entries {
			names = append(names, e.Name)
		}
		return nil
	})

	return names, err
}

// statusError maps a non-200 response onto the error taxonomy. Transient
// statuses come back marked retryable.
func (c *Client) statusError(resp *http.Response, op, owner string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fserr.Newf(fserr.KindNotFound, op, owner, "owner does not exist")
	case resp.StatusCode == http.StatusUnauthorized:
		return fserr.Newf(fserr.KindAuth, op, owner, "bad credentials")
	case resp.StatusCode == http.StatusForbidden:
		// GitHub reports primary rate limiting as 403 with a drained
		// X-RateLimit-Remaining.
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			c.setOnline(false)
			return retry.Retryable(fserr.Newf(fserr.KindNetwork, op, owner, "rate limited"))
		}
		return fserr.Newf(fserr.KindAuth, op, owner, "forbidden")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.setOnline(false)
		return retry.Retryable(fserr.Newf(fserr.KindNetwork, op, owner,
			"server returned %s", strconv.Itoa(resp.StatusCode)))
	default:
		return fserr.Newf(fserr.KindNetwork, op, owner,
			"server returned %s", strconv.Itoa(resp.StatusCode))
	}
}
