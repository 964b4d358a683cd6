package variables

import (
	"net/http/httptest"
	"testing"
)

func TestWithContextInstallsOnce(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)

	r, vc := WithContext(r)
	vc.RequestID = "id-1"

	r2, vc2 := WithContext(r)
	if r2 != r {
		t.Error("existing context must not be replaced")
	}
	if vc2.RequestID != "id-1" {
		t.Error("same record must be returned")
	}

	if GetFromRequest(r).RequestID != "id-1" {
		t.Error("GetFromRequest must see the installed record")
	}
}

func TestGetFromRequestWithoutContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if vc := GetFromRequest(r); vc == nil {
		t.Fatal("must return an empty record, not nil")
	}
}

func TestExtractClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.4:1234"
	if got := ExtractClientIP(r); got != "198.51.100.4" {
		t.Errorf("expected socket peer IP, got %s", got)
	}

	r.Header.Set("X-Real-IP", "10.2.3.4")
	if got := ExtractClientIP(r); got != "10.2.3.4" {
		t.Errorf("expected X-Real-IP, got %s", got)
	}

	r.Header.Set("X-Forwarded-For", "10.9.9.9, 10.8.8.8")
	if got := ExtractClientIP(r); got != "10.9.9.9" {
		t.Errorf("expected first X-Forwarded-For hop, got %s", got)
	}
}
