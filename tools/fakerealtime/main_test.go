package main

import (
	"context"
	"testing"
	"time"
)

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, serverFlags{addr: "127.0.0.1:0", logLevel: "none", publishRate: 5, publishBurst: 1, idle: time.Second, stateTTL: time.Minute, maxMessage: 1024})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunRejectsBadAddress(t *testing.T) {
	err := run(context.Background(), serverFlags{addr: "not-an-address", logLevel: "none"})
	if err == nil {
		t.Fatal("expected listen to fail")
	}
}
