package subgraph

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPost(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"data":{"conditions":[]}}`))
	}))
	defer srv.Close()

	c := NewClient("key123", WithBaseURL(srv.URL))
	body, err := c.Post(context.Background(), "sub1", `{"query":"{}"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"data":{"conditions":[]}}`, string(body))
	assert.Equal(t, "/api/subgraphs/id/sub1", gotPath)
	assert.Equal(t, "Bearer key123", gotAuth)
	assert.Equal(t, `{"query":"{}"}`, gotBody)
}

func TestClientPostNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("gateway sad"))
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL))
	_, err := c.Post(context.Background(), "sub1", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, 0, c.ActiveCount())
}

func TestClientPoolLimitsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := NewClient("key", WithBaseURL(srv.URL), WithPoolSize(2))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Post(context.Background(), "sub1", "{}")
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, c.ActiveCount())
}

func TestClientPostContextCancelledWhileQueued(t *testing.T) {
	c := NewClient("key", WithPoolSize(1), WithBaseURL("http://127.0.0.1:0"))
	// occupy the only slot
	c.slots <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Post(ctx, "sub1", "{}")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate([]byte("abc"), 5))
	assert.Equal(t, "ab...", truncate([]byte("abcdef"), 2))
}
