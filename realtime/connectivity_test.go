package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPConnectivityChecker(t *testing.T) {
	answers := map[string]struct {
		status int
		body   string
		want   bool
	}{
		"/up":      {http.StatusOK, "yes\n", true},
		"/down":    {http.StatusOK, "no", false},
		"/failing": {http.StatusServiceUnavailable, "yes", false},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		answer := answers[r.URL.Path]
		w.WriteHeader(answer.status)
		_, _ = w.Write([]byte(answer.body))
	}))
	defer server.Close()

	for path, answer := range answers {
		checker := NewHTTPConnectivityChecker(server.URL+path, time.Second)
		transport := &http.Transport{}
		checker.Client.Transport = transport
		if got := checker.InternetUp(context.Background()); got != answer.want {
			t.Fatalf("%s: expected %v, got %v", path, answer.want, got)
		}
		transport.CloseIdleConnections()
	}

	if !NewHTTPConnectivityChecker("", time.Second).InternetUp(context.Background()) {
		t.Fatalf("expected an empty url to report the internet as up")
	}
	unreachable := NewHTTPConnectivityChecker("http://127.0.0.1:1/", 200*time.Millisecond)
	if unreachable.InternetUp(context.Background()) {
		t.Fatalf("expected a refused connection to report the internet as down")
	}
}
