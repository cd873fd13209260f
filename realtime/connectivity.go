package realtime

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// ConnectivityChecker reports whether the wider internet is reachable. The
// client consults it before trying fallback hosts.
type ConnectivityChecker interface {
	InternetUp(ctx context.Context) bool
}

// HTTPConnectivityChecker fetches URL and expects a body containing "yes".
type HTTPConnectivityChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPConnectivityChecker returns a checker for url. An empty url always
// reports the internet as up.
func NewHTTPConnectivityChecker(url string, timeout time.Duration) *HTTPConnectivityChecker {
	return &HTTPConnectivityChecker{URL: url, Client: &http.Client{Timeout: timeout}}
}

// InternetUp returns the check outcome.
func (checker *HTTPConnectivityChecker) InternetUp(ctx context.Context) bool {
	if checker == nil || checker.URL == "" {
		return true
	}
	client := checker.Client
	if client == nil {
		client = http.DefaultClient
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, checker.URL, nil)
	if err != nil {
		return false
	}
	response, err := client.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, 64))
	if err != nil {
		return false
	}
	return strings.Contains(string(body), "yes")
}

// ConnectivityFunc adapts a function to ConnectivityChecker.
type ConnectivityFunc func(ctx context.Context) bool

func (check ConnectivityFunc) InternetUp(ctx context.Context) bool { return check(ctx) }
