package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/errorsx"
)

func authServer(t *testing.T, hits *atomic.Int32, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/authenticate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostFormValue("client_id") != "id" || r.PostFormValue("client_secret") != "secret" {
			t.Errorf("credentials not forwarded: %v", r.PostForm)
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestCache(apiBase string) *TokenCache {
	settings := config.Settings{
		ClientID:     "id",
		ClientSecret: "secret",
		APIBase:      apiBase,
		Deployment:   config.DeploymentCloud,
	}
	return NewTokenCache(settings, &http.Client{}, nil)
}

func TestResolveTokenSingleFlight(t *testing.T) {
	var hits atomic.Int32
	server := authServer(t, &hits, `{"access_token": "tok", "expires_in": 3600}`)
	cache := newTestCache(server.URL)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.ResolveToken(context.Background())
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
			if token != "tok" {
				t.Errorf("token = %q", token)
			}
		}()
	}
	wg.Wait()

	if got := hits.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh, got %d", got)
	}
}

func TestResolveTokenRefreshesInsideSafetyMargin(t *testing.T) {
	var hits atomic.Int32
	server := authServer(t, &hits, `{"access_token": "tok", "expires_in": 60}`)
	cache := newTestCache(server.URL)

	base := time.Now()
	now := base
	cache.now = func() time.Time { return now }

	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// Outside the margin: cached token survives.
	now = base.Add(60*time.Second - 6*time.Second)
	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("token should still be cached, refreshes = %d", hits.Load())
	}

	// Inside the margin: a refresh is due.
	now = base.Add(60*time.Second - 4*time.Second)
	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("third resolve: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected refresh inside safety margin, refreshes = %d", hits.Load())
	}
}

func TestResolveTokenZeroLeaseNeverCachedValid(t *testing.T) {
	var hits atomic.Int32
	server := authServer(t, &hits, `{"access_token": "tok", "expires_in": 0}`)
	cache := newTestCache(server.URL)

	for i := 0; i < 3; i++ {
		if _, err := cache.ResolveToken(context.Background()); err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if hits.Load() != 3 {
		t.Fatalf("zero lease must refresh every time, refreshes = %d", hits.Load())
	}
}

func TestResolveTokenPastExpireAtTreatedExpired(t *testing.T) {
	var hits atomic.Int32
	server := authServer(t, &hits, `{"access_token": "tok", "expire_at": 1000}`)
	cache := newTestCache(server.URL)

	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("past expire_at must not be cached, refreshes = %d", hits.Load())
	}
}

func TestResolveTokenDefaultLease(t *testing.T) {
	var hits atomic.Int32
	server := authServer(t, &hits, `{"access_token": "tok"}`)
	cache := newTestCache(server.URL)

	base := time.Now()
	now := base
	cache.now = func() time.Time { return now }

	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	now = base.Add(defaultTokenLease - tokenSafetyMargin - time.Second)
	if _, err := cache.ResolveToken(context.Background()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("default lease should keep the token cached, refreshes = %d", hits.Load())
	}
}

func TestResolveTokenManualTokenSkipsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("manual token must not touch the network")
	}))
	defer server.Close()

	settings := config.Settings{
		ClientID:     "id",
		ClientSecret: "secret",
		ManualToken:  "manual",
		APIBase:      server.URL,
		Deployment:   config.DeploymentCloud,
	}
	cache := NewTokenCache(settings, &http.Client{}, nil)
	token, err := cache.ResolveToken(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if token != "manual" {
		t.Fatalf("token = %q, want manual", token)
	}
}

func TestResolveTokenOnpremUsesManualOnly(t *testing.T) {
	settings := config.Settings{
		ClientID:     "id",
		ClientSecret: "secret",
		ManualToken:  "manual",
		APIBase:      "http://decoder.local:50051",
		Deployment:   config.DeploymentOnprem,
	}
	cache := NewTokenCache(settings, &http.Client{}, nil)
	token, err := cache.ResolveToken(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if token != "manual" {
		t.Fatalf("token = %q, want manual", token)
	}
}

func TestResolveTokenAuthDisabled(t *testing.T) {
	settings := config.Settings{
		APIBase:    "http://example.invalid",
		Deployment: config.DeploymentCloud,
	}
	cache := NewTokenCache(settings, &http.Client{}, nil)
	token, err := cache.ResolveToken(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token without auth, got %q", token)
	}
}

func TestResolveTokenUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	cache := newTestCache(server.URL)
	_, err := cache.ResolveToken(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errorsx.HasReason(err, errorsx.ReasonAuthRefresh) {
		t.Fatalf("expected auth_refresh reason, got %q", errorsx.Reason(err))
	}
}
