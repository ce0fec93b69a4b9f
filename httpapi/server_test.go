package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmailer/delivery"
	"bulkmailer/dispatch"
	"bulkmailer/internal/config"
	"bulkmailer/internal/ratelimit"
	"bulkmailer/quota"
	"bulkmailer/retry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTransport struct {
	verifyErr error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (f *fakeTransport) Verify(context.Context) error { return f.verifyErr }

func (f *fakeTransport) Send(_ context.Context, env *delivery.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(env.To, "bad@") {
		return retry.MarkPermanent(errors.New("550 5.1.1 user unknown"))
	}
	f.sent = append(f.sent, env.To)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type harness struct {
	handler    http.Handler
	tracker    *quota.Tracker
	transport  *fakeTransport
	identities []delivery.Identity
	cookies    []*http.Cookie
}

func newHarness(t *testing.T, mutate func(*config.HTTPConfig, *config.DispatchConfig, *Deps)) *harness {
	t.Helper()
	tracker, err := quota.NewTracker(5, time.Hour)
	require.NoError(t, err)

	h := &harness{tracker: tracker, transport: &fakeTransport{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := dispatch.NewEngine(
		dispatch.WithQuota(tracker),
		dispatch.WithLogger(logger),
		dispatch.WithBackoff(func(int, time.Duration) time.Duration { return 0 }),
	)

	httpCfg := config.HTTPConfig{
		AdminUser:     "admin",
		AdminPass:     "s3cret",
		SessionSecret: "0123456789abcdef0123456789abcdef",
	}
	dispatchCfg := config.Default().Dispatch
	dispatchCfg.Pause = 0

	deps := Deps{
		Engine: engine,
		Transports: func(id delivery.Identity) (delivery.Transport, error) {
			h.identities = append(h.identities, id)
			return h.transport, nil
		},
		Quota:        tracker,
		LoginLimiter: ratelimit.New(0, 1, time.Minute),
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&httpCfg, &dispatchCfg, &deps)
	}
	h.handler = New(httpCfg, dispatchCfg, deps)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.10:5555"
	for _, c := range h.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if cookies := rec.Result().Cookies(); len(cookies) > 0 {
		h.cookies = cookies
	}
	return rec
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/login", map[string]string{"username": "admin", "password": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sendBody(recipients any) map[string]any {
	return map[string]any{
		"smtpUser":   "sender@example.com",
		"smtpPass":   "app-password",
		"senderName": `"Team" Sender`,
		"subject":    "Hello",
		"text":       "Hi there",
		"recipients": recipients,
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.NotEmpty(t, body["time"])
	assert.NotZero(t, body["pid"])

	rec = h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailer_dispatch_runs_total")
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/login", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decode(t, rec)["success"])

	h.login(t)
	assert.NotEmpty(t, h.cookies)
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t, func(_ *config.HTTPConfig, _ *config.DispatchConfig, d *Deps) {
		d.LoginLimiter = ratelimit.New(0.001, 2, time.Minute)
	})
	creds := map[string]string{"username": "admin", "password": "wrong"}
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/login", creds).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodPost, "/login", creds).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/login", creds).Code)
}

func TestSendRequiresSession(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.identities)
}

func TestLogoutEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	rec := h.do(t, http.MethodPost, "/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendBulk(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com, B@example.com;\nb@example.com\nnot-an-email"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["total"])
	assert.EqualValues(t, 2, body["successCount"])
	assert.EqualValues(t, 0, body["failCount"])
	assert.NotEmpty(t, body["runId"])
	assert.Empty(t, body["failures"])

	require.Len(t, h.identities, 1)
	id := h.identities[0]
	assert.Equal(t, "sender@example.com", id.From)
	assert.Equal(t, "Team Sender", id.Name)
	assert.ElementsMatch(t, []string{"a@example.com", "B@example.com"}, h.transport.sent)
	assert.True(t, h.transport.closed)

	w, err := h.tracker.Usage("sender@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Count)
}

func TestSendAliasAndArrayRecipients(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	rec := h.do(t, http.MethodPost, "/send", map[string]any{
		"email":       "sender@example.com",
		"password":    "app-password",
		"from":        "news@example.com",
		"message":     "Body",
		"recipients":  []string{"a@example.com", "bad@example.com"},
		"concurrency": "2",
		"retries":     3,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.EqualValues(t, 1, body["successCount"])
	assert.EqualValues(t, 1, body["failCount"])
	failures, ok := body["failures"].([]any)
	require.True(t, ok)
	require.Len(t, failures, 1)
	f := failures[0].(map[string]any)
	assert.Equal(t, "bad@example.com", f["to"])
	assert.EqualValues(t, 1, f["attempts"])
	assert.Equal(t, "failed", f["status"])

	require.Len(t, h.identities, 1)
	assert.Equal(t, "news@example.com", h.identities[0].From)
	assert.Equal(t, "Anonymous", h.identities[0].Name)
}

func TestSendKeepsPasswordWhitespace(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	body := sendBody("a@example.com")
	body["smtpUser"] = "  sender@example.com  "
	body["smtpPass"] = "  pa ss  "
	rec := h.do(t, http.MethodPost, "/sendBulk", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, h.identities, 1)
	assert.Equal(t, "  pa ss  ", h.identities[0].Secret)
	assert.Equal(t, "sender@example.com", h.identities[0].User)
}

func TestSendBlankPasswordRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	body := sendBody("a@example.com")
	body["smtpPass"] = "   "
	rec := h.do(t, http.MethodPost, "/sendBulk", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, decode(t, rec)["auth"])
	assert.Empty(t, h.identities)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	cases := []struct {
		name string
		body map[string]any
		auth bool
		msg  string
	}{
		{"no credentials", map[string]any{"recipients": "a@example.com"}, true, "SMTP credentials required"},
		{"no recipients", sendBody(""), false, "Recipients required"},
		{"no valid recipients", sendBody("nope, also-nope"), false, "No valid recipients"},
		{"bad from", func() map[string]any { b := sendBody("a@example.com"); b["fromEmail"] = "nobody"; return b }(), false, "Invalid from email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/sendBulk", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.msg, body["message"])
			if tc.auth {
				assert.Equal(t, false, body["auth"])
			}
		})
	}
	assert.Empty(t, h.identities)
}

func TestSendMalformedJSON(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	req := httptest.NewRequest(http.MethodPost, "/sendBulk", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	for _, c := range h.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendAuthFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.verifyErr = errors.New("535 5.7.8 Username and Password not accepted")
	h.login(t)

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["auth"])
	assert.Contains(t, body["message"], "SMTP auth failed")
	assert.Contains(t, body["message"], "535")
	assert.Empty(t, h.transport.sent)
}

func TestSendQuotaExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	res, err := h.tracker.Reserve("sender@example.com", 5)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Commit(res, res.Granted))

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["quota"])
	assert.Empty(t, h.transport.sent)
}

func TestSendTransportSetupError(t *testing.T) {
	h := newHarness(t, func(_ *config.HTTPConfig, _ *config.DispatchConfig, d *Deps) {
		d.Transports = func(delivery.Identity) (delivery.Transport, error) {
			return nil, errors.New("no route")
		}
	})
	h.login(t)

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Server error", decode(t, rec)["message"])
}

func TestQuotaEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t)

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody("a@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/quota?user=Sender@Example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 5, body["limit"])
	assert.EqualValues(t, 1, body["used"])
	assert.EqualValues(t, 4, body["remaining"])

	rec = h.do(t, http.MethodGet, "/quota", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAllowNetworks(t *testing.T) {
	_, allowed, err := net.ParseCIDR("198.51.100.0/24")
	require.NoError(t, err)
	h := newHarness(t, func(c *config.HTTPConfig, _ *config.DispatchConfig, _ *Deps) {
		c.AllowNetworks = []*net.IPNet{allowed}
	})

	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFailuresCapped(t *testing.T) {
	h := newHarness(t, func(_ *config.HTTPConfig, d *config.DispatchConfig, _ *Deps) {
		d.FailureCap = 2
	})
	h.login(t)

	rec := h.do(t, http.MethodPost, "/sendBulk", sendBody([]string{"bad@example.com", "bad@example.org", "bad@example.net"}))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["failCount"])
	assert.Len(t, body["failures"], 2)
}
