package ibkr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
)

const testAccountID = "DU123456"

// sleepRecorder replaces the session's blocking sleep
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// newTestSession starts a fake gateway serving mux under /v1/api
func newTestSession(t *testing.T, mux *http.ServeMux, accountID string, maxAttempts int) (*Session, *sleepRecorder) {
	t.Helper()

	root := http.NewServeMux()
	root.Handle("/v1/api/", http.StripPrefix("/v1/api", mux))
	server := httptest.NewServer(root)
	t.Cleanup(server.Close)

	cfg := &config.GatewayConfig{
		BaseURL:     server.URL,
		AccountID:   accountID,
		MaxAttempts: maxAttempts,
		HTTPTimeout: 5 * time.Second,
	}
	s := NewSession(cfg, testLogger())
	rec := &sleepRecorder{}
	s.sleep = rec.sleep
	return s, rec
}

// aliveMux answers the liveness probes
func aliveMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"accounts": []string{testAccountID}})
	})
	mux.HandleFunc("GET /portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]string{{"id": testAccountID}})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// counter counts handler invocations
type counter struct {
	mu sync.Mutex
	n  int
}

func (c *counter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *counter) get() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
