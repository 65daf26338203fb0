package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdx/skystream/pkg/logger"
	"github.com/orbitdx/skystream/pkg/models"
)

// Failure classes. The backoff policy treats them all the same; logs and
// metrics keep them apart so operators can tell a rate limit from an outage
// and an outage from an upstream contract change.
var (
	ErrTransient   = errors.New("transient fetch failure")
	ErrUpstream    = errors.New("upstream rejected request")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrMalformed   = errors.New("malformed upstream payload")
)

// maxPayloadBytes caps how much of an upstream response we will buffer.
const maxPayloadBytes = 10 << 20

var placeholderRe = regexp.MustCompile(`\{[a-zA-Z0-9_]+\}`)

// Client performs bounded-time GETs against upstream endpoints. It never
// retries internally: retry policy lives with the scheduler and backoff
// manager so failure counting stays single-sourced.
type Client struct {
	http   *http.Client
	apiKey string
}

// NewClient builds a fetch client. The per-request timeout comes from each
// source's config, so the http.Client itself carries none.
func NewClient(apiKey string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		apiKey: apiKey,
	}
}

// Fetch performs one GET for one source and returns the raw JSON payload.
// params fill the endpoint template's {placeholders}; placeholders without a
// value are dropped from the URL, which is how "latest" polls and
// per-date historical calls share one template.
func (c *Client) Fetch(ctx context.Context, src models.SourceConfig, params map[string]string) ([]byte, error) {
	endpoint, err := buildURL(src, params, c.apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	timeout := src.WithDefaults().FetchTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timeout after %s", ErrTransient, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: http 429 from %s", ErrRateLimited, src.Name)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http %d from %s", ErrUpstream, resp.StatusCode, src.Name)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}

	if err := checkShape(src.Name, body); err != nil {
		logger.Log.Warn("upstream payload failed shape check",
			zap.String("source", src.Name), zap.Error(err))
		return nil, err
	}
	return body, nil
}

// buildURL expands the source's endpoint template. Known params are
// substituted (escaped); query params and path segments whose placeholder
// stayed unresolved are removed; the API key param is appended when the
// source declares one.
func buildURL(src models.SourceConfig, params map[string]string, apiKey string) (string, error) {
	expanded := placeholderRe.ReplaceAllStringFunc(src.EndpointTemplate, func(m string) string {
		name := strings.Trim(m, "{}")
		if v, ok := params[name]; ok {
			return url.QueryEscape(v)
		}
		return m // left for cleanup below
	})

	u, err := url.Parse(expanded)
	if err != nil {
		return "", err
	}

	// Drop query params still carrying a placeholder
	q := u.Query()
	for k, vs := range q {
		if len(vs) > 0 && strings.Contains(vs[0], "{") {
			q.Del(k)
		}
	}

	// Drop path segments still carrying a placeholder
	if strings.Contains(u.Path, "{") {
		var kept []string
		for _, seg := range strings.Split(u.Path, "/") {
			if strings.Contains(seg, "{") {
				continue
			}
			kept = append(kept, seg)
		}
		u.Path = strings.Join(kept, "/")
	}

	if src.APIKeyParam != "" && apiKey != "" {
		q.Set(src.APIKeyParam, apiKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
