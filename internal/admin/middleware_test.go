package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{2*time.Minute + 3*time.Second, "2m3s"},
		{5*time.Hour + 4*time.Minute, "5h4m0s"},
		{26*time.Hour + 30*time.Second, "1d2h0m30s"},
	}
	for _, tc := range cases {
		if got := formatUptime(tc.in); got != tc.want {
			t.Errorf("formatUptime(%s) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStatusRecorderCapturesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, code: http.StatusOK}
	sr.WriteHeader(http.StatusTeapot)
	if sr.code != http.StatusTeapot {
		t.Fatalf("recorded %d, want %d", sr.code, http.StatusTeapot)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("underlying writer got %d", rec.Code)
	}
}

func TestRecoverPanicsTurnsPanicInto500(t *testing.T) {
	h := recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("status page bug")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got %d, want 500", rec.Code)
	}
}
