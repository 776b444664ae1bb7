package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// The nil store panics on any persistence call, so a clean 400 proves the
// request was rejected before anything was saved.
func newValidationHandler() http.Handler {
	return NewHandler(nil, nil, nil, nil, nil, nil, zerolog.Nop())
}

func postTrigger(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/functions/fn-1/triggers", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUpsertTriggerRejectsInvalidCron(t *testing.T) {
	h := newValidationHandler()

	rec := postTrigger(t, h, `{"name":"nightly","type":"scheduled","schedule":"every 5 minutes","enabled":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cron expression") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestUpsertTriggerRejectsUnknownType(t *testing.T) {
	h := newValidationHandler()

	rec := postTrigger(t, h, `{"name":"hook","type":"webhook"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUpsertTriggerRequiresSchedule(t *testing.T) {
	h := newValidationHandler()

	rec := postTrigger(t, h, `{"name":"nightly","type":"scheduled","enabled":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
