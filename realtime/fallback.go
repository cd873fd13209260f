package realtime

import (
	"math/rand/v2"
	"sync"
)

const (
	defaultRealtimeHost   = "realtime.ably.io"
	defaultFallbackRoot   = "ably-realtime.com"
	productionEnvironment = "production"
)

// RandomSource is the random source used to order fallback hosts.
// *math/rand/v2.Rand satisfies it.
type RandomSource interface {
	IntN(n int) int
}

type globalRandom struct{}

func (globalRandom) IntN(n int) int { return rand.IntN(n) }

// DefaultFallbackHosts returns the derived fallback set for environment.
// A non-production environment gets an "env-" prefix and "-fallback" suffix.
func DefaultFallbackHosts(environment string) []string {
	prefix, suffix := "", ""
	if environment != "" && environment != productionEnvironment {
		prefix = environment + "-"
		suffix = "-fallback"
	}
	hosts := make([]string, 0, 5)
	for _, letter := range []string{"a", "b", "c", "d", "e"} {
		hosts = append(hosts, prefix+letter+suffix+"."+defaultFallbackRoot)
	}
	return hosts
}

// FallbackHosts hands out candidate hosts in random order without
// replacement.
type FallbackHosts struct {
	lock  sync.Mutex
	hosts []string
}

// NewFallbackHosts shuffles candidates with source. The primary host and
// duplicates are skipped. A nil source uses the global generator.
func NewFallbackHosts(primary string, candidates []string, source RandomSource) *FallbackHosts {
	if source == nil {
		source = globalRandom{}
	}
	seen := make(map[string]struct{}, len(candidates))
	hosts := make([]string, 0, len(candidates))
	for _, host := range candidates {
		if host == "" || host == primary {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	for index := len(hosts) - 1; index > 0; index-- {
		swap := source.IntN(index + 1)
		hosts[index], hosts[swap] = hosts[swap], hosts[index]
	}
	return &FallbackHosts{hosts: hosts}
}

// Pop removes and returns the next host. It returns false once exhausted.
func (resolver *FallbackHosts) Pop() (string, bool) {
	if resolver == nil {
		return "", false
	}
	resolver.lock.Lock()
	defer resolver.lock.Unlock()
	if len(resolver.hosts) == 0 {
		return "", false
	}
	last := len(resolver.hosts) - 1
	host := resolver.hosts[last]
	resolver.hosts = resolver.hosts[:last]
	return host, true
}

// Remaining returns the number of hosts not yet popped.
func (resolver *FallbackHosts) Remaining() int {
	if resolver == nil {
		return 0
	}
	resolver.lock.Lock()
	defer resolver.lock.Unlock()
	return len(resolver.hosts)
}
