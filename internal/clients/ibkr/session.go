// Package ibkr provides the Interactive Brokers Client Portal REST client.
package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/domain"
)

const (
	livenessWindow      = 10 * time.Second // a probe within this window is trusted
	probeRetryDelay     = 5 * time.Second
	authRetryDelay      = 10 * time.Second
	accountRetryDelay   = 5 * time.Second
	readRateLimitDelay  = 1 * time.Second
	writeRateLimitDelay = 5 * time.Second
	retryDelay          = 1 * time.Second
	ordersCooldown      = 5 * time.Second
	maxLoggedBody       = 500
)

// Order confirmation questions answered up front so placements are not held for a reply
var suppressedMessageIDs = []string{"o451", "o383", "o354", "o163"}

// Category groups endpoints that share liveness and rate-limit bookkeeping
type Category string

const (
	CategoryIServer   Category = "iserver"
	CategoryPortfolio Category = "portfolio"
	CategoryOrders    Category = "orders"
)

var allCategories = []Category{CategoryIServer, CategoryPortfolio, CategoryOrders}

// State is the authentication state of the session
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateAuthenticated   State = "authenticated"
	StateDegraded        State = "degraded"
)

// Request describes one gateway call. Path is relative to the API root.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        interface{}
	Description string
	// Silent suppresses failure logging, used by liveness probes
	Silent bool
}

func (r Request) mutating() bool {
	return r.Method != "" && r.Method != http.MethodGet
}

// RequestError is the error marker returned by Execute.
// Kind is one of the domain error values and works with errors.Is.
type RequestError struct {
	Kind        error
	StatusCode  int
	Description string
	Message     string // error envelope text or truncated body
	Err         error  // underlying transport error, if any
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Description, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Snapshot is a point-in-time copy of the session state
type Snapshot struct {
	State     State                  `json:"state"`
	AccountID string                 `json:"account_id"`
	LastPing  map[Category]time.Time `json:"last_ping"`
}

// Session is the authenticated, rate-limited request executor shared by
// the market data, account and order clients. It is safe for concurrent use.
type Session struct {
	baseURL     string
	httpClient  *http.Client
	log         zerolog.Logger
	maxAttempts int

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu            sync.Mutex
	state         State
	accountID     string
	lastPing      map[Category]time.Time
	lastCall      map[Category]time.Time
	cooldownUntil map[Category]time.Time
	logged404     map[string]bool
}

// NewSession creates a session for the configured gateway
func NewSession(cfg *config.GatewayConfig, log zerolog.Logger) *Session {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureTLS {
		// The local gateway serves a self-signed certificate
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &Session{
		baseURL:       cfg.APIURL(),
		httpClient:    &http.Client{Timeout: timeout, Transport: transport},
		log:           log.With().Str("client", "ibkr").Logger(),
		maxAttempts:   cfg.MaxAttempts,
		sleep:         sleepContext,
		now:           time.Now,
		state:         StateUnauthenticated,
		accountID:     cfg.AccountID,
		lastPing:      make(map[Category]time.Time, len(allCategories)),
		lastCall:      make(map[Category]time.Time, len(allCategories)),
		cooldownUntil: make(map[Category]time.Time, len(allCategories)),
		logged404:     make(map[string]bool),
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute sends a request and applies the retry policy:
//   - 429 sleeps 1s (reads) or 5s (mutating calls) and retries
//   - 404 is terminal
//   - any other failure is retried every second when allowUnboundedRetry
//     is set, otherwise returned after one attempt
//
// MaxAttempts caps every retry loop (0 = unbounded). A 2xx response carrying
// an {"error": ...} envelope is returned with a RequestError of kind ErrBrokerError.
func (s *Session) Execute(ctx context.Context, req Request, category Category, allowUnboundedRetry bool) (json.RawMessage, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if err := s.waitCooldown(ctx, category); err != nil {
		return nil, &RequestError{Kind: domain.ErrTransport, Description: req.Description, Err: err}
	}

	warned := false
	for attempt := 1; ; attempt++ {
		body, status, err := s.do(ctx, req)
		s.touch(category)

		var reqErr *RequestError
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, &RequestError{Kind: domain.ErrTransport, Description: req.Description, Err: ctx.Err()}
			}
			reqErr = &RequestError{Kind: domain.ErrTransport, Description: req.Description, Err: err}

		case status == http.StatusTooManyRequests:
			delay := readRateLimitDelay
			if req.mutating() {
				delay = writeRateLimitDelay
			}
			s.setCooldown(category, delay)
			if s.exhausted(attempt) {
				return nil, &RequestError{Kind: domain.ErrRateLimited, StatusCode: status, Description: req.Description}
			}
			s.log.Warn().
				Str("request", req.Description).
				Str("category", string(category)).
				Dur("delay", delay).
				Msg("You got rate limited, retrying")
			if err := s.sleep(ctx, delay); err != nil {
				return nil, &RequestError{Kind: domain.ErrRateLimited, StatusCode: status, Description: req.Description, Err: err}
			}
			continue

		case status == http.StatusNotFound:
			s.log404(req)
			return nil, &RequestError{Kind: domain.ErrEndpointNotFound, StatusCode: status, Description: req.Description}

		case status >= 200 && status < 300:
			s.clearCooldown(category)
			if warned {
				s.log.Info().Str("request", req.Description).Int("attempts", attempt).Msg("Request succeeded after retrying")
			}
			if msg, ok := errorEnvelope(body); ok {
				return body, &RequestError{Kind: domain.ErrBrokerError, StatusCode: status, Description: req.Description, Message: msg}
			}
			return body, nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			reqErr = &RequestError{Kind: domain.ErrNotAuthenticated, StatusCode: status, Description: req.Description, Message: failureMessage(body)}

		default:
			reqErr = &RequestError{Kind: domain.ErrBrokerError, StatusCode: status, Description: req.Description, Message: failureMessage(body)}
		}

		if !allowUnboundedRetry || s.exhausted(attempt) {
			if !req.Silent {
				s.log.Error().Err(reqErr).Str("request", req.Description).Msg("Gateway request failed")
			}
			return nil, reqErr
		}

		if !warned && !req.Silent {
			s.log.Warn().Err(reqErr).Str("request", req.Description).Msg("Gateway request failed, retrying")
		}
		warned = true

		if err := s.sleep(ctx, retryDelay); err != nil {
			return nil, &RequestError{Kind: reqErr.Kind, StatusCode: reqErr.StatusCode, Description: req.Description, Message: reqErr.Message, Err: err}
		}
	}
}

func (s *Session) do(ctx context.Context, req Request) ([]byte, int, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	requestURL := s.baseURL + req.Path
	if len(req.Query) > 0 {
		requestURL += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, requestURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "rebalancer/1.0")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (s *Session) log404(req Request) {
	if req.Silent {
		return
	}
	key := req.Method + " " + req.Description
	s.mu.Lock()
	seen := s.logged404[key]
	s.logged404[key] = true
	s.mu.Unlock()

	if !seen {
		s.log.Error().Str("request", req.Description).Str("path", req.Path).Msg("Endpoint not found")
	}
}

func (s *Session) exhausted(attempt int) bool {
	return s.maxAttempts > 0 && attempt >= s.maxAttempts
}

// Connect waits for the gateway to accept requests, discovers the account
// and suppresses the order confirmation questions. It blocks until the
// gateway answers, ctx is done or MaxAttempts probes have failed.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateAuthenticating)

	probe := Request{Method: http.MethodGet, Path: "/iserver/accounts", Description: "Auth Check", Silent: true}
	for attempt := 1; ; attempt++ {
		if _, err := s.Execute(ctx, probe, CategoryIServer, false); err == nil {
			break
		}
		if ctx.Err() != nil {
			s.setState(StateUnauthenticated)
			return ctx.Err()
		}
		if s.exhausted(attempt) {
			s.setState(StateUnauthenticated)
			return fmt.Errorf("gateway did not authenticate after %d attempts: %w", attempt, domain.ErrNotAuthenticated)
		}
		s.log.Info().Dur("retry_in", authRetryDelay).Msg("Not connected to API server yet, waiting for the Client Portal to start")
		if err := s.sleep(ctx, authRetryDelay); err != nil {
			s.setState(StateUnauthenticated)
			return err
		}
	}

	if _, err := s.RequireAccountID(ctx); err != nil {
		s.setState(StateUnauthenticated)
		return err
	}

	suppress := Request{
		Method:      http.MethodPost,
		Path:        "/iserver/questions/suppress",
		Body:        map[string][]string{"messageIds": suppressedMessageIDs},
		Description: "Suppressing order questions",
	}
	if _, err := s.Execute(ctx, suppress, CategoryIServer, true); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("Failed to suppress order questions, placements may need confirmation")
	}

	s.setState(StateAuthenticated)
	s.log.Info().Str("account_id", s.AccountID()).Msg("Connected to Client Portal")
	return nil
}

type portfolioAccount struct {
	ID string `json:"id"`
}

// RequireAccountID returns the account id, fetching it from the gateway
// (retrying every 5 seconds) when it is not known yet
func (s *Session) RequireAccountID(ctx context.Context) (string, error) {
	if id := s.AccountID(); id != "" {
		return id, nil
	}

	req := Request{Method: http.MethodGet, Path: "/portfolio/accounts", Description: "Fetching Account ID"}
	for attempt := 1; ; attempt++ {
		raw, err := s.Execute(ctx, req, CategoryPortfolio, true)
		if err == nil {
			var accounts []portfolioAccount
			if decodeErr := decode(raw, &accounts); decodeErr == nil && len(accounts) > 0 && accounts[0].ID != "" {
				s.mu.Lock()
				s.accountID = accounts[0].ID
				s.mu.Unlock()
				s.log.Info().Str("account_id", accounts[0].ID).Msg("Successfully retrieved Account ID")
				return accounts[0].ID, nil
			}
			s.log.Error().Str("response", truncate(string(raw))).Msg("Failed to get Account ID, response structure is unexpected")
		} else if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if s.exhausted(attempt) {
			return "", fmt.Errorf("failed to fetch account id after %d attempts: %w", attempt, domain.ErrNotAuthenticated)
		}
		s.log.Info().Dur("retry_in", accountRetryDelay).Msg("Retrying to fetch Account ID")
		if err := s.sleep(ctx, accountRetryDelay); err != nil {
			return "", err
		}
	}
}

// EnsureAlive probes the category's liveness endpoint unless a request in
// that category was made within the last 10 seconds. A failed probe moves the
// session to Degraded and is retried every 5 seconds; the cached account id
// is kept.
func (s *Session) EnsureAlive(ctx context.Context, category Category) error {
	if s.isFresh(category) {
		return nil
	}

	path := "/iserver/accounts"
	if category == CategoryPortfolio {
		path = "/portfolio/accounts"
	}
	probe := Request{Method: http.MethodGet, Path: path, Description: "Auth Check", Silent: true}

	warned := false
	for attempt := 1; ; attempt++ {
		_, err := s.Execute(ctx, probe, category, false)
		if err == nil {
			s.markAuthenticated(warned)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.markDegraded()
		if !warned {
			s.log.Warn().Str("category", string(category)).Msg("Not Authenticated. Retrying...")
			warned = true
		}
		if s.exhausted(attempt) {
			return fmt.Errorf("%s liveness probe failed after %d attempts: %w", category, attempt, domain.ErrNotAuthenticated)
		}
		if err := s.sleep(ctx, probeRetryDelay); err != nil {
			return err
		}
	}
}

// Throttle blocks until at least interval has passed since the last
// throttled call in the category, then records the new call
func (s *Session) Throttle(ctx context.Context, category Category, interval time.Duration) error {
	s.mu.Lock()
	last, ok := s.lastCall[category]
	s.mu.Unlock()

	if ok {
		if remaining := interval - s.now().Sub(last); remaining > 0 {
			if err := s.sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	s.lastCall[category] = s.now()
	s.mu.Unlock()
	return nil
}

// AccountID returns the cached account id, empty until discovered
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Snapshot returns a copy of the session state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	pings := make(map[Category]time.Time, len(s.lastPing))
	for k, v := range s.lastPing {
		pings[k] = v
	}
	return Snapshot{State: s.state, AccountID: s.accountID, LastPing: pings}
}

// State returns the current authentication state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) markAuthenticated(recovered bool) {
	s.mu.Lock()
	s.state = StateAuthenticated
	s.mu.Unlock()
	if recovered {
		s.log.Info().Msg("Re-Authenticated Successfully")
	}
}

func (s *Session) markDegraded() {
	s.mu.Lock()
	if s.state == StateAuthenticated {
		s.state = StateDegraded
	}
	s.mu.Unlock()
}

func (s *Session) touch(category Category) {
	s.mu.Lock()
	s.lastPing[category] = s.now()
	s.mu.Unlock()
}

func (s *Session) isFresh(category Category) bool {
	s.mu.Lock()
	last, ok := s.lastPing[category]
	s.mu.Unlock()
	return ok && s.now().Sub(last) <= livenessWindow
}

func (s *Session) setCooldown(category Category, d time.Duration) {
	s.mu.Lock()
	s.cooldownUntil[category] = s.now().Add(d)
	s.mu.Unlock()
}

func (s *Session) clearCooldown(category Category) {
	s.mu.Lock()
	delete(s.cooldownUntil, category)
	s.mu.Unlock()
}

// waitCooldown holds a new request while another caller's 429 back-off is pending
func (s *Session) waitCooldown(ctx context.Context, category Category) error {
	s.mu.Lock()
	until, ok := s.cooldownUntil[category]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if remaining := until.Sub(s.now()); remaining > 0 {
		return s.sleep(ctx, remaining)
	}
	return nil
}
