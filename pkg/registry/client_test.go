package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/wpsentry/pkg/types"
)

func newRegistryServer(t *testing.T) (*httptest.Server, *int32) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/core/version-check/1.7/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"offers":[{"response":"upgrade","version":"6.5.2"},{"response":"autoupdate","version":"6.4.4"}]}`))
	})
	mux.HandleFunc("/plugins/info/1.2/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "plugin_information", r.URL.Query().Get("action"))
		switch r.URL.Query().Get("request[slug]") {
		case "contact-form-7":
			w.Write([]byte(`{"name":"Contact Form 7","slug":"contact-form-7","version":"5.9.3"}`))
		default:
			w.Write([]byte(`{"error":"Plugin not found."}`))
		}
	})
	mux.HandleFunc("/themes/info/1.2/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("request[slug]") == "astra" {
			w.Write([]byte(`{"name":"Astra","slug":"astra","version":"4.6.9"}`))
			return
		}
		w.Write([]byte(`false`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &calls
}

func TestClient_LatestVersions(t *testing.T) {
	server, _ := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)
	ctx := context.Background()

	assert.Equal(t, "6.5.2", client.LatestCoreVersion(ctx))
	assert.Equal(t, "5.9.3", client.LatestPluginVersion(ctx, "contact-form-7"))
	assert.Equal(t, "4.6.9", client.LatestThemeVersion(ctx, "astra"))
}

func TestClient_UnknownSlug(t *testing.T) {
	server, _ := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)
	ctx := context.Background()

	_, err := client.ComponentVersion(ctx, types.ComponentPlugin, "does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = client.ComponentVersion(ctx, types.ComponentTheme, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, "", client.LatestPluginVersion(ctx, "does-not-exist"))
}

func TestClient_InvalidSlugNeverSent(t *testing.T) {
	server, calls := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)

	_, err := client.ComponentVersion(context.Background(), types.ComponentPlugin, "../../etc&x=1")
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestClient_TimeoutReturnsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"version":"1.0"}`))
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	assert.Equal(t, "", client.LatestPluginVersion(context.Background(), "slow-plugin"))
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL, Timeout: time.Second}, nil)
	_, err := client.CoreVersion(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBatchCache_MemoisesLookups(t *testing.T) {
	server, calls := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)
	cache := NewBatchCache(client, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, "5.9.3", cache.LatestPluginVersion(ctx, "contact-form-7"))
		assert.Equal(t, "", cache.LatestPluginVersion(ctx, "missing"))
		assert.Equal(t, "6.5.2", cache.LatestCoreVersion(ctx))
	}

	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	hits, misses := cache.Stats()
	assert.Equal(t, 6, hits)
	assert.Equal(t, 3, misses)
}

func TestBatchCache_ConcurrentSameSlug(t *testing.T) {
	server, calls := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)
	cache := NewBatchCache(client, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "4.6.9", cache.LatestThemeVersion(context.Background(), "astra"))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestBatchCache_Expiry(t *testing.T) {
	server, calls := newRegistryServer(t)
	client := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second}, nil)
	cache := NewBatchCache(client, time.Minute)

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.LatestCoreVersion(context.Background())

	now = now.Add(2 * time.Minute)
	cache.LatestCoreVersion(context.Background())

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
