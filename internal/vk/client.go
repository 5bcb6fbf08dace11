// Package vk provides typed access to the VK OAuth and Ads HTTP API.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vk-ads-bot/internal/cache"
	"vk-ads-bot/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	defaultOAuthBaseURL = "https://oauth.vk.com"
	defaultAPIBaseURL   = "https://api.vk.com/method"
	apiVersion          = "5.131"

	oauthScope = "ads,offline"
)

var (
	// ErrUnauthorized indicates VK rejected the access token; the user has to
	// re-run the OAuth flow.
	ErrUnauthorized = errors.New("vk access token invalid or expired")
	// ErrAPIError indicates a VK API-level failure unrelated to authorization.
	ErrAPIError = errors.New("vk api error")
)

// Config holds VK client configuration.
type Config struct {
	OAuthBaseURL      string
	APIBaseURL        string
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	Timeout           time.Duration
	RequestsPerSecond int
	CacheTTL          time.Duration
}

// Client wraps the three VK read operations behind one rate-limited HTTP
// client. The limiter is shared across all operations and callers, so
// concurrent interactions cannot jointly exceed the provider ceiling.
type Client struct {
	logger       *slog.Logger
	oauthBaseURL string
	apiBaseURL   string
	clientID     string
	clientSecret string
	redirectURI  string
	http         *http.Client
	limiter      *rate.Limiter
	metrics      *metrics.Metrics
	cache        ReportCache
	cacheTTL     time.Duration
}

// ReportCache stores ad account listings between polls. *cache.Redis
// satisfies it.
type ReportCache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// New creates a new VK client.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Client {
	oauthBase := strings.TrimRight(cfg.OAuthBaseURL, "/")
	if oauthBase == "" {
		oauthBase = defaultOAuthBaseURL
	}
	apiBase := strings.TrimRight(cfg.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	client := &Client{
		logger:       logger.With("component", "vk"),
		oauthBaseURL: oauthBase,
		apiBaseURL:   apiBase,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		http:         &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		metrics:      metrics,
		cacheTTL:     cacheTTL,
	}
	if redis != nil {
		client.cache = redis
	}
	return client
}

// AuthorizeURL builds the browser-facing VK OAuth URL. The bot user id rides
// along as the opaque state parameter and comes back on the redirect leg.
func (c *Client) AuthorizeURL(userID int64) string {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("redirect_uri", c.redirectURI)
	params.Set("scope", oauthScope)
	params.Set("response_type", "code")
	params.Set("state", strconv.FormatInt(userID, 10))
	return c.oauthBaseURL + "/authorize?" + params.Encode()
}

// TokenGrant is the result of a successful code exchange.
type TokenGrant struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeCode swaps an authorization code for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret)
	params.Set("redirect_uri", c.redirectURI)
	params.Set("code", code)

	body, err := c.get(ctx, "access_token", c.oauthBaseURL+"/access_token?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var grant struct {
		TokenGrant
		ErrorName        string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if grant.ErrorName != "" {
		return nil, fmt.Errorf("%w: oauth %s: %s", ErrAPIError, grant.ErrorName, grant.ErrorDescription)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrAPIError)
	}
	return &grant.TokenGrant, nil
}

// Profile describes the VK user owning the access token.
type Profile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// FullName returns the display name for status rendering.
func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// GetProfile calls users.get to validate the token and fetch the owner name.
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var profiles []Profile
	if err := c.callMethod(ctx, "users.get", accessToken, nil, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("%w: users.get returned no profile", ErrAPIError)
	}
	return &profiles[0], nil
}

// AccountStatusActive is the provider status code for a running ad account.
// Other values mean inactive or suspended; the mapping is VK-specific.
const AccountStatusActive = 1

// AdAccount is one advertising account summary from ads.getAccounts.
type AdAccount struct {
	ID     int64  `json:"account_id"`
	Name   string `json:"account_name"`
	Status int    `json:"account_status"`
}

// Active reports whether the provider marked the account as running.
func (a AdAccount) Active() bool {
	return a.Status == AccountStatusActive
}

// ListAdAccounts calls ads.getAccounts. When redis is configured, results
// are cached per VK user for the configured TTL; an empty list is a valid
// result and is cached too.
func (c *Client) ListAdAccounts(ctx context.Context, accessToken string, vkUserID int64) ([]AdAccount, error) {
	cacheKey := fmt.Sprintf("vk:adaccounts:%d", vkUserID)
	if c.cache != nil {
		cached := []AdAccount{}
		ok, err := c.cache.GetJSON(ctx, cacheKey, &cached)
		if err != nil {
			c.logger.Warn("read ad accounts cache failed", "error", err)
		} else if ok {
			return cached, nil
		}
	}

	accounts := []AdAccount{}
	if err := c.callMethod(ctx, "ads.getAccounts", accessToken, nil, &accounts); err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, cacheKey, accounts, c.cacheTTL); err != nil {
			c.logger.Warn("set ad accounts cache failed", "error", err)
		}
	}
	return accounts, nil
}

// apiEnvelope mirrors the VK method response shape.
type apiEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    *apiError       `json:"error"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

// VK error codes that mean the token itself is no longer usable.
func (e *apiError) unauthorized() bool {
	switch e.Code {
	case 5, 28, 1117:
		return true
	}
	return false
}

func (c *Client) callMethod(ctx context.Context, method, accessToken string, params url.Values, dest any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("access_token", accessToken)
	params.Set("v", apiVersion)

	body, err := c.get(ctx, method, c.apiBaseURL+"/"+method+"?"+params.Encode())
	if err != nil {
		return err
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if env.Error != nil {
		if env.Error.unauthorized() {
			return fmt.Errorf("%w: %s (code=%d)", ErrUnauthorized, env.Error.Message, env.Error.Code)
		}
		return fmt.Errorf("%w: %s: %s (code=%d)", ErrAPIError, method, env.Error.Message, env.Error.Code)
	}
	if len(env.Response) == 0 {
		return fmt.Errorf("%w: %s returned no response field", ErrAPIError, method)
	}
	if err := json.Unmarshal(env.Response, dest); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint, requestURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.VKRequests.WithLabelValues(endpoint, "error").Inc()
		}
		return nil, fmt.Errorf("vk request: %w", err)
	}
	defer res.Body.Close()

	duration := time.Since(start).Seconds()
	statusLabel := strconv.Itoa(res.StatusCode)
	if c.metrics != nil {
		c.metrics.VKRequests.WithLabelValues(endpoint, statusLabel).Inc()
		c.metrics.VKLatency.WithLabelValues(endpoint, statusLabel).Observe(duration)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http status %d", ErrUnauthorized, res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s status=%d body=%s", ErrAPIError, endpoint, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
