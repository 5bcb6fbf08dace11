package vk

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(Config{
		OAuthBaseURL:      server.URL,
		APIBaseURL:        server.URL + "/method",
		ClientID:          "12345",
		ClientSecret:      "shh",
		RedirectURI:       "https://bot.example/vk-callback",
		RequestsPerSecond: 100,
	}, slog.Default(), nil, nil)
	return client, server
}

func TestAuthorizeURL(t *testing.T) {
	client := New(Config{
		ClientID:    "12345",
		RedirectURI: "https://bot.example/vk-callback",
	}, slog.Default(), nil, nil)

	raw := client.AuthorizeURL(42)
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if parsed.Host != "oauth.vk.com" || parsed.Path != "/authorize" {
		t.Fatalf("unexpected endpoint: %s", raw)
	}
	query := parsed.Query()
	for key, want := range map[string]string{
		"client_id":     "12345",
		"redirect_uri":  "https://bot.example/vk-callback",
		"scope":         "ads,offline",
		"response_type": "code",
		"state":         "42",
	} {
		if got := query.Get(key); got != want {
			t.Fatalf("param %s: got %q want %q", key, got, want)
		}
	}
}

func TestExchangeCodeSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/access_token" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("code") != "abc" {
			t.Errorf("unexpected code %q", r.URL.Query().Get("code"))
		}
		if r.URL.Query().Get("client_secret") != "shh" {
			t.Errorf("missing client secret")
		}
		_, _ = w.Write([]byte(`{"access_token":"T","user_id":99,"expires_in":86400}`))
	}))

	grant, err := client.ExchangeCode(context.Background(), "abc")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.AccessToken != "T" || grant.UserID != 99 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestExchangeCodeOAuthError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))

	if _, err := client.ExchangeCode(context.Background(), "abc"); !errors.Is(err, ErrAPIError) {
		t.Fatalf("expected ErrAPIError, got %v", err)
	}
}

func TestExchangeCodeMissingToken(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user_id":99}`))
	}))

	if _, err := client.ExchangeCode(context.Background(), "abc"); !errors.Is(err, ErrAPIError) {
		t.Fatalf("expected ErrAPIError, got %v", err)
	}
}

func TestGetProfileSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users.get") {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("access_token") != "T" {
			t.Errorf("missing access token")
		}
		if r.URL.Query().Get("v") == "" {
			t.Errorf("missing api version")
		}
		_, _ = w.Write([]byte(`{"response":[{"id":99,"first_name":"Ivan","last_name":"Petrov"}]}`))
	}))

	profile, err := client.GetProfile(context.Background(), "T")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.FullName() != "Ivan Petrov" {
		t.Fatalf("unexpected name %q", profile.FullName())
	}
}

func TestGetProfileAuthFailure(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"error_code":5,"error_msg":"User authorization failed"}}`))
	}))

	if _, err := client.GetProfile(context.Background(), "T"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGetProfileHTTPUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	if _, err := client.GetProfile(context.Background(), "T"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListAdAccounts(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ads.getAccounts") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"response":[
			{"account_id":1,"account_name":"Main","account_status":1},
			{"account_id":2,"account_name":"Paused","account_status":0}
		]}`))
	}))

	accounts, err := client.ListAdAccounts(context.Background(), "T", 99)
	if err != nil {
		t.Fatalf("list ad accounts: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if !accounts[0].Active() || accounts[1].Active() {
		t.Fatalf("unexpected activity flags: %+v", accounts)
	}
}

func TestListAdAccountsEmpty(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))

	accounts, err := client.ListAdAccounts(context.Background(), "T", 99)
	if err != nil {
		t.Fatalf("list ad accounts: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected empty list, got %d", len(accounts))
	}
}

type fakeCache struct {
	data   map[string][]byte
	getErr error
	setErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (f *fakeCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	if f.getErr != nil {
		return false, f.getErr
	}
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

func TestListAdAccountsCacheHitSkipsAPI(t *testing.T) {
	var apiCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		_, _ = w.Write([]byte(`{"response":[{"account_id":1,"account_name":"Main","account_status":1}]}`))
	}))
	client.cache = newFakeCache()

	first, err := client.ListAdAccounts(context.Background(), "T", 99)
	if err != nil {
		t.Fatalf("first list: %v", err)
	}
	second, err := client.ListAdAccounts(context.Background(), "T", 99)
	if err != nil {
		t.Fatalf("second list: %v", err)
	}
	if apiCalls != 1 {
		t.Fatalf("second call must be served from cache, api hit %d times", apiCalls)
	}
	if len(second) != 1 || second[0].ID != first[0].ID || second[0].Name != "Main" {
		t.Fatalf("cached result differs: %+v vs %+v", first, second)
	}
}

func TestListAdAccountsCachesEmptyList(t *testing.T) {
	var apiCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	client.cache = newFakeCache()

	for i := 0; i < 2; i++ {
		accounts, err := client.ListAdAccounts(context.Background(), "T", 99)
		if err != nil {
			t.Fatalf("list %d: %v", i, err)
		}
		if len(accounts) != 0 {
			t.Fatalf("expected empty list, got %d", len(accounts))
		}
	}
	if apiCalls != 1 {
		t.Fatalf("an empty result is cacheable, api hit %d times", apiCalls)
	}
}

func TestListAdAccountsCacheKeyedByVKUser(t *testing.T) {
	var apiCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	client.cache = newFakeCache()

	if _, err := client.ListAdAccounts(context.Background(), "T", 99); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := client.ListAdAccounts(context.Background(), "T", 100); err != nil {
		t.Fatalf("list: %v", err)
	}
	if apiCalls != 2 {
		t.Fatalf("distinct VK users must not share cache entries, api hit %d times", apiCalls)
	}
}

func TestListAdAccountsCacheFailureDegrades(t *testing.T) {
	var apiCalls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls++
		_, _ = w.Write([]byte(`{"response":[{"account_id":1,"account_name":"Main","account_status":1}]}`))
	}))
	broken := newFakeCache()
	broken.getErr = errors.New("redis down")
	broken.setErr = errors.New("redis down")
	client.cache = broken

	for i := 0; i < 2; i++ {
		accounts, err := client.ListAdAccounts(context.Background(), "T", 99)
		if err != nil {
			t.Fatalf("cache failure must not fail the listing: %v", err)
		}
		if len(accounts) != 1 {
			t.Fatalf("expected the live result, got %+v", accounts)
		}
	}
	if apiCalls != 2 {
		t.Fatalf("with a broken cache every call goes live, api hit %d times", apiCalls)
	}
}

// The limiter is shared between operations: a two-requests-per-second budget
// must space a profile call and an account-list call apart.
func TestLimiterSpacesRequests(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/users.get") {
			_, _ = w.Write([]byte(`{"response":[{"id":99,"first_name":"A","last_name":"B"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"response":[]}`))
	}))
	client.limiter.SetLimit(2)
	client.limiter.SetBurst(1)

	start := time.Now()
	if _, err := client.GetProfile(context.Background(), "T"); err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if _, err := client.ListAdAccounts(context.Background(), "T", 99); err != nil {
		t.Fatalf("list ad accounts: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected second request to wait for the shared limiter, elapsed %v", elapsed)
	}
}
