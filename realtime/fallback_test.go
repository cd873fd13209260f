package realtime

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func TestDefaultFallbackHosts(t *testing.T) {
	production := DefaultFallbackHosts("")
	want := []string{
		"a.ably-realtime.com", "b.ably-realtime.com", "c.ably-realtime.com",
		"d.ably-realtime.com", "e.ably-realtime.com",
	}
	if !slices.Equal(production, want) {
		t.Fatalf("unexpected production hosts %v", production)
	}
	if !slices.Equal(DefaultFallbackHosts("production"), want) {
		t.Fatalf("expected the production environment to use the default set")
	}

	sandbox := DefaultFallbackHosts("sandbox")
	if sandbox[0] != "sandbox-a-fallback.ably-realtime.com" || sandbox[4] != "sandbox-e-fallback.ably-realtime.com" {
		t.Fatalf("unexpected sandbox hosts %v", sandbox)
	}
}

func TestFallbackHostsPopsEachCandidateOnce(t *testing.T) {
	candidates := []string{"a.example.com", "primary.example.com", "b.example.com", "a.example.com", "", "c.example.com"}
	resolver := NewFallbackHosts("primary.example.com", candidates, rand.New(rand.NewPCG(1, 2)))
	if resolver.Remaining() != 3 {
		t.Fatalf("expected 3 candidates after filtering, got %d", resolver.Remaining())
	}

	var popped []string
	for {
		host, ok := resolver.Pop()
		if !ok {
			break
		}
		popped = append(popped, host)
	}
	slices.Sort(popped)
	if !slices.Equal(popped, []string{"a.example.com", "b.example.com", "c.example.com"}) {
		t.Fatalf("unexpected popped hosts %v", popped)
	}
	if _, ok := resolver.Pop(); ok {
		t.Fatalf("expected an exhausted resolver")
	}

	var missing *FallbackHosts
	if _, ok := missing.Pop(); ok || missing.Remaining() != 0 {
		t.Fatalf("expected a nil resolver to be empty")
	}
}

func TestFallbackHostsOrderDependsOnSource(t *testing.T) {
	candidates := DefaultFallbackHosts("")
	orders := make(map[string]struct{})
	for seed := uint64(0); seed < 20; seed++ {
		resolver := NewFallbackHosts("", candidates, rand.New(rand.NewPCG(seed, seed)))
		first, _ := resolver.Pop()
		orders[first] = struct{}{}
	}
	if len(orders) < 2 {
		t.Fatalf("expected shuffled orders to vary, got %v", orders)
	}
}
