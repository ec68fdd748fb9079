package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/db"
	"github.com/tillware/license-server/internal/validation"
)

type mockValidator struct {
	verdict *validation.Verdict
	err     error
	opts    validation.Options
	calls   int
}

func (m *mockValidator) Validate(ctx context.Context, email, credential, fingerprint string, opts validation.Options) (*validation.Verdict, error) {
	m.calls++
	m.opts = opts
	if m.err != nil {
		return nil, m.err
	}
	return m.verdict, nil
}

func newValidateRouter(v Validator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/v1")
	NewValidateHandler(v, zerolog.Nop()).RegisterRoutes(group)
	return r
}

func postValidate(r *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestValidateHandler(t *testing.T) {
	t.Run("valid license", func(t *testing.T) {
		v := &mockValidator{verdict: &validation.Verdict{Valid: true}}
		w := postValidate(newValidateRouter(v), `{"email":"a@example.com","credential":"c"}`)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"valid":true`) {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})

	t.Run("missing fields is 400 without touching the engine", func(t *testing.T) {
		v := &mockValidator{verdict: &validation.Verdict{Valid: true}}
		w := postValidate(newValidateRouter(v), `{"email":"a@example.com"}`)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		if v.calls != 0 {
			t.Fatal("the engine must not see a malformed request")
		}
	})

	t.Run("manage_session requires session_id", func(t *testing.T) {
		v := &mockValidator{verdict: &validation.Verdict{Valid: true}}
		w := postValidate(newValidateRouter(v),
			`{"email":"a@example.com","credential":"c","manage_session":true}`)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("session options are passed through", func(t *testing.T) {
		v := &mockValidator{verdict: &validation.Verdict{Valid: true}}
		w := postValidate(newValidateRouter(v),
			`{"email":"a@example.com","credential":"c","manage_session":true,"session_id":"sess-1","device":{"hostname":"workbench"}}`)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if !v.opts.ManageSession || v.opts.SessionID != "sess-1" {
			t.Fatalf("session options not forwarded: %+v", v.opts)
		}
		if v.opts.Device.Hostname != "workbench" {
			t.Fatalf("device metadata not forwarded: %+v", v.opts.Device)
		}
	})

	t.Run("invalid credentials is a bare 401", func(t *testing.T) {
		v := &mockValidator{err: validation.ErrInvalidCredentials}
		w := postValidate(newValidateRouter(v), `{"email":"a@example.com","credential":"wrong"}`)

		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		if strings.Contains(w.Body.String(), "a@example.com") {
			t.Fatal("the 401 body must not echo the email")
		}
	})

	t.Run("taken session id is a 409", func(t *testing.T) {
		v := &mockValidator{err: db.ErrSessionIDInUse}
		w := postValidate(newValidateRouter(v),
			`{"email":"a@example.com","credential":"c","manage_session":true,"session_id":"sess-1"}`)

		if w.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", w.Code)
		}
	})

	t.Run("store outage is a retryable 503", func(t *testing.T) {
		v := &mockValidator{err: validation.ErrServiceUnavailable}
		w := postValidate(newValidateRouter(v), `{"email":"a@example.com","credential":"c"}`)

		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"retryable":true`) {
			t.Fatalf("expected a retryable marker: %s", w.Body.String())
		}
	})
}
