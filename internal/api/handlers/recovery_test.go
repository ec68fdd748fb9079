package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tillware/license-server/internal/recovery"
)

type mockRecoveryService struct {
	result *recovery.Result
	emails []string
}

func (m *mockRecoveryService) Request(ctx context.Context, clientIP, email string) (*recovery.Result, error) {
	m.emails = append(m.emails, email)
	return m.result, nil
}

func newRecoveryRouter(svc RecoveryService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	group := r.Group("/v1")
	NewRecoveryHandler(svc, zerolog.Nop()).RegisterRoutes(group)
	return r
}

func TestRecoverHandler(t *testing.T) {
	t.Run("hit and miss share one response", func(t *testing.T) {
		svc := &mockRecoveryService{result: &recovery.Result{}}
		r := newRecoveryRouter(svc)

		var bodies []string
		for _, email := range []string{"real@example.com", "nobody@example.com"} {
			w := postJSON(r, "/v1/recover", `{"email":"`+email+`"}`)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			bodies = append(bodies, w.Body.String())
		}
		if bodies[0] != bodies[1] {
			t.Fatalf("responses must be indistinguishable: %q vs %q", bodies[0], bodies[1])
		}
		if !strings.Contains(bodies[0], recoveryMessage) {
			t.Fatalf("expected the generic message: %s", bodies[0])
		}
	})

	t.Run("missing email", func(t *testing.T) {
		svc := &mockRecoveryService{result: &recovery.Result{}}
		r := newRecoveryRouter(svc)

		w := postJSON(r, "/v1/recover", `{}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
		if len(svc.emails) != 0 {
			t.Fatal("the service must not see a request without an email")
		}
	})

	t.Run("throttled", func(t *testing.T) {
		svc := &mockRecoveryService{result: &recovery.Result{Blocked: true, RetryAfter: 30 * time.Minute}}
		r := newRecoveryRouter(svc)

		w := postJSON(r, "/v1/recover", `{"email":"victim@example.com"}`)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", w.Code)
		}
		if got := w.Header().Get("Retry-After"); got != "1800" {
			t.Fatalf("Retry-After = %q, want 1800", got)
		}
		if !strings.Contains(w.Body.String(), `"retry_after":1800`) {
			t.Fatalf("unexpected body: %s", w.Body.String())
		}
	})
}
