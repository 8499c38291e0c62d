// Package integration provides a reusable test harness for end-to-end
// integration testing of the Sampark server. It starts a full HTTP server
// over the real orchestrator, in-memory or Redis-backed coordination, a
// watermill notification channel, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/sampark/internal/config"
	"github.com/pitabwire/sampark/internal/executor"
	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/internal/orchestrator"
	"github.com/pitabwire/sampark/internal/queue"
	"github.com/pitabwire/sampark/internal/registry"
	"github.com/pitabwire/sampark/internal/slot"
	"github.com/pitabwire/sampark/internal/store"
	"github.com/pitabwire/sampark/internal/transport"
	"github.com/pitabwire/sampark/internal/workflows/acknowledge"
	"github.com/pitabwire/sampark/model"
)

const notificationTopic = "sampark.notifications"

// TestHarness encapsulates a fully wired Sampark instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry     *registry.Registry
	Store        *store.MemoryStore
	Orchestrator *orchestrator.Orchestrator
	Redis        *miniredis.Miniredis

	mu            sync.Mutex
	notifications []model.NotificationIntent
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redis          bool
	handlerTimeout time.Duration
	classifier     bool
}

// WithRedis backs the trigger queue and execution slots with a miniredis
// instance instead of in-process structures.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithClassifier installs the keyword classifier so triggers may omit their
// classification.
func WithClassifier() HarnessOption {
	return func(c *harnessConfig) {
		c.classifier = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full Sampark test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
	h := &TestHarness{t: t}

	// Step 1: Register workflow kinds.
	h.Registry = registry.New()
	if err := acknowledge.Register(h.Registry); err != nil {
		t.Fatalf("register workflows: %v", err)
	}
	h.Registry.Freeze()

	// Step 2: Build the run store and coordination backend.
	h.Store = store.NewMemoryStore()

	var (
		triggers     queue.TriggerQueue
		slots        slot.Manager
		coordination observability.HealthChecker
	)
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		rq := queue.NewRedisQueue(client, "sampark-test:")
		triggers = rq
		slots = slot.NewRedisLeases(client, "sampark-test:", 30*time.Second, logger)
		coordination = rq
	} else {
		triggers = queue.NewMemoryQueue()
		slots = slot.NewLockTable()
	}

	// Step 3: Subscribe to the notification channel before anything can
	// publish on it.
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, observability.WatermillLogger(logger))
	messages, err := pubsub.Subscribe(context.Background(), notificationTopic)
	if err != nil {
		t.Fatalf("subscribe notifications: %v", err)
	}
	go func() {
		for msg := range messages {
			var intent model.NotificationIntent
			if err := json.Unmarshal(msg.Payload, &intent); err == nil {
				h.mu.Lock()
				h.notifications = append(h.notifications, intent)
				h.mu.Unlock()
			}
			msg.Ack()
		}
	}()

	// Step 4: Build the engine.
	cfg := config.Defaults()
	promRegistry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(promRegistry)

	orchOpts := []orchestrator.Option{
		orchestrator.WithNotifier(orchestrator.NewWatermillNotifier(pubsub, notificationTopic)),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	}
	if hc.classifier {
		orchOpts = append(orchOpts, orchestrator.WithClassifier(orchestrator.NewStaticClassifier(cfg.Classifier)))
	}
	exec := executor.New(h.Registry, h.Store, executor.WithLogger(logger))
	h.Orchestrator = orchestrator.New(h.Registry, h.Store, triggers, slots, exec, orchOpts...)

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Identity = config.IdentityConfig{
		Enabled:      true,
		Issuer:       h.issuer.Issuer(),
		Audience:     h.issuer.Audience(),
		JWKSURL:      h.issuer.JWKSURL(),
		JWKSCacheTTL: time.Hour,
		Algorithms:   []string{"RS256"},
	}

	// Step 7: Build router with full middleware chain.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Engine:       h.Orchestrator,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: authenticate,
		Readiness: observability.ReadinessChecks{
			WorkflowsRegistered: func() bool { return h.Registry.Len() > 0 },
			Coordination:        coordination,
		},
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Orchestrator.Close(ctx)
		_ = pubsub.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token for the given subject.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a token signed by a key the issuer does not
// publish.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// JWKSFetches reports how many times the key set has been fetched.
func (h *TestHarness) JWKSFetches() int64 {
	return h.issuer.fetches.Load()
}

// Notifications returns a copy of every intent delivered so far.
func (h *TestHarness) Notifications() []model.NotificationIntent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.NotificationIntent(nil), h.notifications...)
}

// WaitFor polls cond until it holds or the deadline passes.
func (h *TestHarness) WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes its body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Response shapes ---

// SubmitResponse mirrors the body of POST /v1/triggers and the cancel route.
type SubmitResponse struct {
	Accepted bool                 `json:"accepted"`
	RunID    string               `json:"run_id"`
	Outcome  string               `json:"outcome"`
	Reason   string               `json:"reason"`
	Run      *model.WorkflowRun   `json:"run"`
	Error    *model.ErrorEnvelope `json:"error"`
}

// RunResponse mirrors the body of GET /v1/runs/{runId}.
type RunResponse struct {
	model.WorkflowRun
	Associations []model.CommunicationAssociation `json:"associations"`
}

// RunListResponse mirrors the body of GET /v1/runs.
type RunListResponse struct {
	Runs   []model.WorkflowRun `json:"runs"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// --- Fixtures ---

// AgentClaims returns TestClaims for a channel adapter service account.
func AgentClaims() TestClaims {
	return TestClaims{SubjectID: "adapter-email"}
}

// EmailTrigger returns a trigger body arriving on an email thread. A
// non-empty codename is sent as the trigger's classification.
func EmailTrigger(thread, body, codename string) map[string]any {
	trigger := map[string]any{
		"source":  map[string]string{"channel_type": "email", "channel_id": thread},
		"payload": map[string]any{"body": body, "sender": "Asha", "subject": "Order " + thread},
	}
	if codename != "" {
		trigger["classification"] = map[string]any{"codename": codename, "confidence": 0.92}
	}
	return trigger
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
