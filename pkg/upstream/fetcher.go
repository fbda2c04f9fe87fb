package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single fetch
	DefaultTimeout = 10 * time.Second

	maxBodySize  = 16 << 20
	maxErrorBody = 256
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (X11; Linux x86_64; rv:134.0) Gecko/20100101 Firefox/134.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36 Edg/133.0.0.0",
}

// UserAgents returns the rotation pool
func UserAgents() []string {
	return append([]string(nil), userAgents...)
}

// Target is what to fetch. Headers override the browser defaults.
type Target struct {
	URL     string
	Headers map[string]string
}

// Fetcher retrieves one upstream document
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (json.RawMessage, error)
}

// HTTPFetcherConfig contains configuration for HTTPFetcher
type HTTPFetcherConfig struct {
	Timeout time.Duration
	Client  *http.Client
	Logger  *zap.Logger
}

// HTTPFetcher fetches over HTTP with a rotating browser identity
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewHTTPFetcher creates a fetcher
func NewHTTPFetcher(config HTTPFetcherConfig) (*HTTPFetcher, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	return &HTTPFetcher{
		client:  config.Client,
		timeout: config.Timeout,
		logger:  config.Logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (f *HTTPFetcher) userAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return userAgents[f.rng.Intn(len(userAgents))]
}

// Fetch GETs target.URL and returns the body if it is a JSON document.
// Every failure is a *FetchError.
func (f *HTTPFetcher) Fetch(ctx context.Context, target Target) (json.RawMessage, error) {
	if target.URL == "" {
		return nil, &FetchError{Kind: KindNetwork, Err: errors.New("no fetch url")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-CA,en;q=0.9,en-US;q=0.8")
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{
			Kind:       KindHTTP,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", snippet(body)),
		}
	}

	if isChallenge(resp, body) {
		f.logger.Debug("Upstream returned a challenge page",
			zap.String("url", target.URL),
			zap.String("content_type", resp.Header.Get("Content-Type")),
		)
		return nil, &FetchError{
			Kind:       KindChallenge,
			StatusCode: resp.StatusCode,
			Err:        errors.New("received HTML instead of data"),
		}
	}

	if !json.Valid(body) {
		return nil, &FetchError{
			Kind:       KindParse,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response is not valid JSON: %s", snippet(body)),
		}
	}
	return json.RawMessage(body), nil
}

func classifyTransportError(ctx context.Context, err error) *FetchError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	return &FetchError{Kind: KindNetwork, Err: err}
}

// isChallenge detects bot-protection interstitials served with a 2xx status
func isChallenge(resp *http.Response, body []byte) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}
