package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/therealutkarshpriyadarshi/gateway/internal/variables"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := NewChain(mk("a"), mk("b"), mk("c")).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	want := []string{"a", "b", "c", "handler"}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestChainAppend(t *testing.T) {
	c := NewChain()
	c2 := c.Append(func(next http.Handler) http.Handler { return next })
	if c.Len() != 0 || c2.Len() != 1 {
		t.Error("Append must not mutate the original chain")
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := NewChain(RequestID()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = variables.GetFromRequest(r).RequestID
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("request ID must be generated")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Error("response must echo the request ID")
	}
}

func TestRequestIDTrustsIncoming(t *testing.T) {
	var seen string
	h := NewChain(RequestID()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = variables.GetFromRequest(r).RequestID
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "client-supplied" {
		t.Errorf("expected client-supplied ID, got %s", seen)
	}
}

func TestRecoveryConvertsPanic(t *testing.T) {
	h := NewChain(Recovery()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAccessLogPassesThrough(t *testing.T) {
	h := NewChain(AccessLog()).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("middleware must not alter the status, got %d", rec.Code)
	}
}
