package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func decodeReport(t *testing.T, rec *httptest.ResponseRecorder) report {
	t.Helper()
	var body report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeReport(t, rec); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	h := New(
		Checker{Name: "database", Check: ok},
		Checker{Name: "llm", Check: ok},
		Checker{Name: "whisper", Check: ok},
		Checker{Name: "tts", Check: ok},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeReport(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"database", "llm", "whisper", "tts"} {
		if body.Checks[name].Status != "ok" {
			t.Errorf("%s check = %+v, want ok", name, body.Checks[name])
		}
	}
}

func TestReadyz_FailingCheckerReportsError(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(context.Context) error {
			return errors.New("connection refused")
		}},
		Checker{Name: "llm", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeReport(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	db := body.Checks["database"]
	if db.Status != "fail" || db.Error != "connection refused" {
		t.Errorf("database check = %+v", db)
	}
	if body.Checks["llm"].Status != "ok" {
		t.Errorf("llm check = %+v, want ok", body.Checks["llm"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := decodeReport(t, rec); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}

func TestReadyz_ProbesRunConcurrently(t *testing.T) {
	// Each probe waits for the other at a barrier. A sequential runner
	// would hit the 2s escape and fail the check; concurrent probes meet
	// immediately and both pass.
	arrived := make(chan struct{}, 2)
	barrier := make(chan struct{})
	probe := func(context.Context) error {
		arrived <- struct{}{}
		select {
		case <-barrier:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("probes did not overlap")
		}
	}
	go func() {
		<-arrived
		<-arrived
		close(barrier)
	}()

	h := New(
		Checker{Name: "a", Check: probe},
		Checker{Name: "b", Check: probe},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(Checker{Name: "database", Check: func(context.Context) error { return nil }})

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
