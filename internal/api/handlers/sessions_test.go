package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/google/uuid"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/models"
	"github.com/tillware/license-server/internal/sessions"
	"github.com/tillware/license-server/internal/validation"
)

type mockAuthenticator struct {
	customer *models.Customer
	err      error
}

func (m *mockAuthenticator) Authenticate(ctx context.Context, email, credential string) (*models.Customer, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.customer, nil
}

type mockCoordinator struct {
	startResult    *sessions.StartResult
	startErr       error
	takeoverResult *sessions.StartResult
	heartbeat      *sessions.HeartbeatResult
	heartbeatErr   error
	ended          []string
}

func (m *mockCoordinator) Start(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.startResult, nil
}

func (m *mockCoordinator) Takeover(ctx context.Context, customer *models.Customer, sessionID, fingerprint string, device models.DeviceInfo) (*sessions.StartResult, error) {
	return m.takeoverResult, nil
}

func (m *mockCoordinator) Heartbeat(ctx context.Context, sessionID string) (*sessions.HeartbeatResult, error) {
	if m.heartbeatErr != nil {
		return nil, m.heartbeatErr
	}
	return m.heartbeat, nil
}

func (m *mockCoordinator) End(ctx context.Context, sessionID string) error {
	m.ended = append(m.ended, sessionID)
	return nil
}

func newSessionsRouter(auth Authenticator, coordinator SessionCoordinator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/v1")
	NewSessionsHandler(auth, coordinator, zerolog.Nop()).RegisterRoutes(group)
	return r
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func testCustomer() *models.Customer {
	return &models.Customer{ID: uuid.New(), Email: "a@example.com", Status: models.SubscriptionActive}
}

const startBody = `{"email":"a@example.com","credential":"c","session_id":"sess-1"}`

func TestSessionsStart(t *testing.T) {
	t.Run("slot granted", func(t *testing.T) {
		coordinator := &mockCoordinator{
			startResult: &sessions.StartResult{
				Session: &models.Session{SessionID: "sess-1", Status: models.SessionActive},
			},
		}
		r := newSessionsRouter(&mockAuthenticator{customer: testCustomer()}, coordinator)

		w := postJSON(r, "/v1/sessions/start", startBody)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"session_id":"sess-1"`) {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("another device holds the slot", func(t *testing.T) {
		lastSeen := time.Now().Add(-time.Minute).UTC()
		coordinator := &mockCoordinator{
			startResult: &sessions.StartResult{
				Conflict: &models.Session{
					SessionID:       "sess-other",
					Device:          models.DeviceInfo{Hostname: "other-box"},
					LastHeartbeatAt: lastSeen,
				},
			},
		}
		r := newSessionsRouter(&mockAuthenticator{customer: testCustomer()}, coordinator)

		w := postJSON(r, "/v1/sessions/start", startBody)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, `"session_id":"sess-other"`) || !strings.Contains(body, "other-box") {
			t.Fatalf("conflict payload must describe the holder: %s", body)
		}
	})

	t.Run("session id owned by another customer", func(t *testing.T) {
		coordinator := &mockCoordinator{startErr: db.ErrSessionIDInUse}
		r := newSessionsRouter(&mockAuthenticator{customer: testCustomer()}, coordinator)

		w := postJSON(r, "/v1/sessions/start", startBody)
		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "session id is not available") {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("bad credentials", func(t *testing.T) {
		r := newSessionsRouter(&mockAuthenticator{err: validation.ErrInvalidCredentials}, &mockCoordinator{})

		w := postJSON(r, "/v1/sessions/start", startBody)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("store outage", func(t *testing.T) {
		r := newSessionsRouter(&mockAuthenticator{err: validation.ErrServiceUnavailable}, &mockCoordinator{})

		w := postJSON(r, "/v1/sessions/start", startBody)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
	})
}

func TestSessionsTakeover(t *testing.T) {
	coordinator := &mockCoordinator{
		takeoverResult: &sessions.StartResult{
			Session: &models.Session{SessionID: "sess-1", Status: models.SessionActive},
			Kicked:  []*models.Session{{SessionID: "sess-other"}},
		},
	}
	r := newSessionsRouter(&mockAuthenticator{customer: testCustomer()}, coordinator)

	w := postJSON(r, "/v1/sessions/takeover", startBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"kicked":1`) {
		t.Fatalf("expected the kicked count reported: %s", w.Body.String())
	}
}

func TestSessionsHeartbeat(t *testing.T) {
	t.Run("live session", func(t *testing.T) {
		coordinator := &mockCoordinator{heartbeat: &sessions.HeartbeatResult{}}
		r := newSessionsRouter(&mockAuthenticator{}, coordinator)

		w := postJSON(r, "/v1/sessions/heartbeat", `{"session_id":"sess-1"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"kicked":false`) {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("kicked reported in-band", func(t *testing.T) {
		coordinator := &mockCoordinator{heartbeat: &sessions.HeartbeatResult{Kicked: true}}
		r := newSessionsRouter(&mockAuthenticator{}, coordinator)

		w := postJSON(r, "/v1/sessions/heartbeat", `{"session_id":"sess-1"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"kicked":true`) {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		coordinator := &mockCoordinator{heartbeatErr: sessions.ErrSessionNotFound}
		r := newSessionsRouter(&mockAuthenticator{}, coordinator)

		w := postJSON(r, "/v1/sessions/heartbeat", `{"session_id":"sess-gone"}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})
}

func TestSessionsEnd(t *testing.T) {
	coordinator := &mockCoordinator{}
	r := newSessionsRouter(&mockAuthenticator{}, coordinator)

	w := postJSON(r, "/v1/sessions/end", `{"session_id":"sess-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(coordinator.ended) != 1 || coordinator.ended[0] != "sess-1" {
		t.Fatalf("expected the coordinator asked to end sess-1, got %v", coordinator.ended)
	}
}
