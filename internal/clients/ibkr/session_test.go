package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

func TestExecute_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"accounts":["DU123456"]}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	body, err := s.Execute(context.Background(), Request{Path: "/iserver/accounts", Description: "Auth Check"}, CategoryIServer, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"accounts":["DU123456"]}`, string(body))
	assert.Empty(t, rec.recorded())
	assert.False(t, s.Snapshot().LastPing[CategoryIServer].IsZero())
	assert.True(t, s.Snapshot().LastPing[CategoryPortfolio].IsZero())
}

func TestExecute_RateLimitedReadSleepsOneSecond(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		if calls.inc() == 1 {
			writeRaw(w, http.StatusTooManyRequests, `{}`)
			return
		}
		writeRaw(w, http.StatusOK, `[]`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	_, err := s.Execute(context.Background(), Request{Path: "/iserver/accounts", Description: "Auth Check"}, CategoryIServer, false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls.get())
	assert.Equal(t, []time.Duration{time.Second}, rec.recorded())
}

func TestExecute_RateLimitedWriteSleepsFiveSeconds(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("POST /iserver/questions/suppress", func(w http.ResponseWriter, r *http.Request) {
		if calls.inc() <= 2 {
			writeRaw(w, http.StatusTooManyRequests, `{}`)
			return
		}
		writeRaw(w, http.StatusOK, `{"status":"submitted"}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	_, err := s.Execute(context.Background(), Request{Method: http.MethodPost, Path: "/iserver/questions/suppress", Body: map[string]string{}, Description: "suppress"}, CategoryIServer, false)
	require.NoError(t, err)
	assert.Equal(t, 3, calls.get())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.recorded())
}

func TestExecute_RateLimitRespectsMaxAttempts(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		writeRaw(w, http.StatusTooManyRequests, `{}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 4)

	_, err := s.Execute(context.Background(), Request{Path: "/iserver/accounts", Description: "Auth Check"}, CategoryIServer, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 4, calls.get())
}

func TestExecute_NotFoundIsTerminal(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/contract/1/info", func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		writeRaw(w, http.StatusNotFound, `{}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	for i := 0; i < 2; i++ {
		_, err := s.Execute(context.Background(), Request{Path: "/iserver/contract/1/info", Description: "Getting contract details"}, CategoryIServer, true)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrEndpointNotFound)

		var reqErr *RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	}

	assert.Equal(t, 2, calls.get(), "404 is never retried")
	assert.Empty(t, rec.recorded())
	assert.Len(t, s.logged404, 1, "404 is recorded once per description")
}

func TestExecute_FailureWithoutRetryIsSingleAttempt(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/DU123456/ledger", func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		writeRaw(w, http.StatusInternalServerError, `{"error":"gateway busy"}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	_, err := s.Execute(context.Background(), Request{Path: "/portfolio/DU123456/ledger", Description: "ledger"}, CategoryPortfolio, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerError)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "gateway busy", reqErr.Message)
	assert.Equal(t, 1, calls.get())
	assert.Empty(t, rec.recorded())
}

func TestExecute_UnboundedRetryEverySecond(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/DU123456/ledger", func(w http.ResponseWriter, r *http.Request) {
		if calls.inc() <= 2 {
			writeRaw(w, http.StatusServiceUnavailable, `oops`)
			return
		}
		writeRaw(w, http.StatusOK, `{"USD":{"cashbalance":10}}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)

	body, err := s.Execute(context.Background(), Request{Path: "/portfolio/DU123456/ledger", Description: "ledger"}, CategoryPortfolio, true)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cashbalance")
	assert.Equal(t, 3, calls.get())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.recorded())
}

func TestExecute_MaxAttemptsCapsUnboundedRetry(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/DU123456/ledger", func(w http.ResponseWriter, r *http.Request) {
		calls.inc()
		writeRaw(w, http.StatusBadGateway, ``)
	})
	s, _ := newTestSession(t, mux, testAccountID, 3)

	_, err := s.Execute(context.Background(), Request{Path: "/portfolio/DU123456/ledger", Description: "ledger"}, CategoryPortfolio, true)
	require.Error(t, err)
	assert.Equal(t, 3, calls.get())
}

func TestExecute_UnauthorizedKind(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusUnauthorized, `{"error":"not authenticated"}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	_, err := s.Execute(context.Background(), Request{Path: "/iserver/accounts", Description: "Auth Check", Silent: true}, CategoryIServer, false)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
}

func TestExecute_ErrorEnvelopeOnSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /iserver/account/DU123456/order/42", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `{"error":"OrderID 42 doesn't exist"}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	body, err := s.Execute(context.Background(), Request{Method: http.MethodDelete, Path: "/iserver/account/DU123456/order/42", Description: "cancel"}, CategoryIServer, true)
	require.Error(t, err)
	assert.NotNil(t, body)
	assert.ErrorIs(t, err, domain.ErrBrokerError)

	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "OrderID 42 doesn't exist", reqErr.Message)
}

func TestExecute_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	s := NewSession(&config.GatewayConfig{BaseURL: server.URL}, testLogger())
	rec := &sleepRecorder{}
	s.sleep = rec.sleep

	_, err := s.Execute(context.Background(), Request{Path: "/iserver/accounts", Description: "Auth Check"}, CategoryIServer, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, s.Snapshot().LastPing[CategoryIServer].IsZero(), "failed attempts still update the ping time")
}

func TestExecute_CancelledContextStopsRetrying(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/DU123456/ledger", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusInternalServerError, ``)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Execute(ctx, Request{Path: "/portfolio/DU123456/ledger", Description: "ledger"}, CategoryPortfolio, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_SendsJSONBody(t *testing.T) {
	var got map[string][]string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /iserver/questions/suppress", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeRaw(w, http.StatusOK, `{"status":"submitted"}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	_, err := s.Execute(context.Background(), Request{
		Method:      http.MethodPost,
		Path:        "/iserver/questions/suppress",
		Body:        map[string][]string{"messageIds": suppressedMessageIDs},
		Description: "suppress",
	}, CategoryIServer, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"o451", "o383", "o354", "o163"}, got["messageIds"])
}

func TestConnect(t *testing.T) {
	var probes counter
	var suppressed []string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		if probes.inc() <= 2 {
			writeRaw(w, http.StatusUnauthorized, `{}`)
			return
		}
		writeRaw(w, http.StatusOK, `{"accounts":["U999"]}`)
	})
	mux.HandleFunc("GET /portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusOK, `[{"id":"U999","currency":"USD"}]`)
	})
	mux.HandleFunc("POST /iserver/questions/suppress", func(w http.ResponseWriter, r *http.Request) {
		var body map[string][]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		suppressed = body["messageIds"]
		mu.Unlock()
		writeRaw(w, http.StatusOK, `{"status":"submitted"}`)
	})
	s, rec := newTestSession(t, mux, "", 0)

	assert.Equal(t, StateUnauthenticated, s.State())
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "U999", s.AccountID())
	assert.Equal(t, 3, probes.get())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, rec.recorded())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, suppressedMessageIDs, suppressed)
}

func TestConnect_GivesUpAfterMaxAttempts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusUnauthorized, `{}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 2)

	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Equal(t, StateUnauthenticated, s.State())
}

func TestRequireAccountID_RetriesUnexpectedResponse(t *testing.T) {
	var calls counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		if calls.inc() == 1 {
			writeRaw(w, http.StatusOK, `[]`)
			return
		}
		writeRaw(w, http.StatusOK, `[{"id":"U777"}]`)
	})
	s, rec := newTestSession(t, mux, "", 0)

	id, err := s.RequireAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "U777", id)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.recorded())

	// Cached from now on
	id, err = s.RequireAccountID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "U777", id)
	assert.Equal(t, 2, calls.get())
}

func TestEnsureAlive_SkipsProbeWithinFreshnessWindow(t *testing.T) {
	var probes counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		probes.inc()
		writeRaw(w, http.StatusOK, `{}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	require.NoError(t, s.EnsureAlive(context.Background(), CategoryIServer))
	require.NoError(t, s.EnsureAlive(context.Background(), CategoryIServer))
	assert.Equal(t, 1, probes.get())

	s.now = func() time.Time { return time.Now().Add(11 * time.Second) }
	require.NoError(t, s.EnsureAlive(context.Background(), CategoryIServer))
	assert.Equal(t, 2, probes.get())
}

func TestEnsureAlive_PortfolioUsesPortfolioProbe(t *testing.T) {
	var probes counter
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio/accounts", func(w http.ResponseWriter, r *http.Request) {
		probes.inc()
		writeRaw(w, http.StatusOK, `[{"id":"DU123456"}]`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 0)

	require.NoError(t, s.EnsureAlive(context.Background(), CategoryPortfolio))
	assert.Equal(t, 1, probes.get())
}

func TestEnsureAlive_DegradesAndRecovers(t *testing.T) {
	var probes counter
	var s *Session
	var statesSeen []State
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		statesSeen = append(statesSeen, s.State())
		mu.Unlock()
		if probes.inc() <= 2 {
			writeRaw(w, http.StatusUnauthorized, `{}`)
			return
		}
		writeRaw(w, http.StatusOK, `{}`)
	})
	s, rec := newTestSession(t, mux, testAccountID, 0)
	s.setState(StateAuthenticated)

	require.NoError(t, s.EnsureAlive(context.Background(), CategoryIServer))

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, testAccountID, s.AccountID(), "account id survives degradation")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.recorded())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateAuthenticated, StateDegraded, StateDegraded}, statesSeen)
}

func TestEnsureAlive_MaxAttempts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /iserver/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeRaw(w, http.StatusUnauthorized, `{}`)
	})
	s, _ := newTestSession(t, mux, testAccountID, 2)
	s.setState(StateAuthenticated)

	err := s.EnsureAlive(context.Background(), CategoryIServer)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Equal(t, StateDegraded, s.State())
}

func TestThrottle(t *testing.T) {
	s, rec := newTestSession(t, http.NewServeMux(), testAccountID, 0)

	require.NoError(t, s.Throttle(context.Background(), CategoryOrders, 5*time.Second))
	assert.Empty(t, rec.recorded())

	require.NoError(t, s.Throttle(context.Background(), CategoryOrders, 5*time.Second))
	delays := rec.recorded()
	require.Len(t, delays, 1)
	assert.Greater(t, delays[0], 4*time.Second)
	assert.LessOrEqual(t, delays[0], 5*time.Second)
}

func TestRequestError_Error(t *testing.T) {
	err := &RequestError{Kind: domain.ErrBrokerError, StatusCode: 500, Description: "ledger", Message: "boom"}
	assert.Equal(t, "ledger: broker returned an error (status 500): boom", err.Error())
	assert.ErrorIs(t, err, domain.ErrBrokerError)
	assert.NotErrorIs(t, err, domain.ErrTransport)
}
