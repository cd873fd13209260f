// Package realtimetest provides an in-process realtime service for tests.
// It speaks the client protocol over gorilla/websocket on an httptest
// server: connections with resume, channel attach and detach, message fan
// out with acknowledgements, presence with SYNC, and heartbeats. Fault
// hooks drop transports, reject resumes and fail or ignore attaches.
package realtimetest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Thejuampi/realtime-client-go/realtime"
)

// TestKey is accepted by a server without an Authorize hook.
const TestKey = "test.app:secret"

// Options configure a Server.
type Options struct {
	Logger             zerolog.Logger
	MaxIdleInterval    time.Duration
	ConnectionStateTTL time.Duration
	MaxMessageSize     int
	// PublishRate limits MESSAGE envelopes per connection; excess publishes
	// are NACKed with 42910. Zero disables the limit.
	PublishRate  rate.Limit
	PublishBurst int
	// DedupeSize and DedupeTTL bound the memory of published serials used
	// to acknowledge replays without delivering them twice.
	DedupeSize int
	DedupeTTL  time.Duration
	// Authorize checks the credentials of a connection; nil accepts all.
	Authorize func(key string, token string) *realtime.ErrorInfo
}

// DefaultOptions returns options suited to fast tests.
func DefaultOptions() Options {
	return Options{
		Logger:             zerolog.Nop(),
		MaxIdleInterval:    15 * time.Second,
		ConnectionStateTTL: 2 * time.Minute,
		MaxMessageSize:     65536,
		PublishBurst:       1,
		DedupeSize:         4096,
		DedupeTTL:          time.Minute,
	}
}

// Server is a running in-process realtime service.
type Server struct {
	options  Options
	http     *httptest.Server
	upgrader websocket.Upgrader
	dedupe   *expirable.LRU[string, struct{}]

	mu           sync.Mutex
	sessions     map[string]*session
	conns        map[*serverConn]struct{}
	channels     map[string]*serverChannel
	rejectResume *realtime.ErrorInfo
	ignoreAttach map[string]bool
	failAttach   map[string]*realtime.ErrorInfo
	nacks        map[string]*realtime.ErrorInfo
	connects     int
	closed       bool
}

// NewServer starts a server with DefaultOptions.
func NewServer() *Server {
	return NewServerWithOptions(DefaultOptions())
}

// NewServerWithOptions starts a server listening on a loopback port.
func NewServerWithOptions(options Options) *Server {
	server := newServer(options)
	server.http = httptest.NewServer(server)
	return server
}

// NewUnstartedServer returns a server that is not yet listening; call
// Serve with a listener of your own.
func NewUnstartedServer(options Options) *Server {
	return newServer(options)
}

func newServer(options Options) *Server {
	defaults := DefaultOptions()
	if options.DedupeSize <= 0 {
		options.DedupeSize = defaults.DedupeSize
	}
	if options.DedupeTTL <= 0 {
		options.DedupeTTL = defaults.DedupeTTL
	}
	if options.MaxIdleInterval <= 0 {
		options.MaxIdleInterval = defaults.MaxIdleInterval
	}
	if options.ConnectionStateTTL <= 0 {
		options.ConnectionStateTTL = defaults.ConnectionStateTTL
	}
	if options.PublishBurst <= 0 {
		options.PublishBurst = defaults.PublishBurst
	}
	return &Server{
		options:      options,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		dedupe:       expirable.NewLRU[string, struct{}](options.DedupeSize, nil, options.DedupeTTL),
		sessions:     make(map[string]*session),
		conns:        make(map[*serverConn]struct{}),
		channels:     make(map[string]*serverChannel),
		ignoreAttach: make(map[string]bool),
		failAttach:   make(map[string]*realtime.ErrorInfo),
		nacks:        make(map[string]*realtime.ErrorInfo),
	}
}

// Serve accepts connections on listener until it is closed.
func (server *Server) Serve(listener net.Listener) error {
	return http.Serve(listener, server)
}

// URL returns the ws:// URL of the server.
func (server *Server) URL() string {
	return "ws://" + server.http.Listener.Addr().String()
}

// Host returns the host and port the server listens on.
func (server *Server) Host() (string, int) {
	address := server.http.Listener.Addr().(*net.TCPAddr)
	return address.IP.String(), address.Port
}

// ClientOptions returns client options pointing at the server with
// fallbacks disabled.
func (server *Server) ClientOptions() realtime.ClientOptions {
	host, port := server.Host()
	options := realtime.DefaultClientOptions()
	options.Key = TestKey
	options.RealtimeHost = host
	options.Port = port
	options.TLS = false
	options.DisableFallbacks = true
	options.AutoConnect = false
	return options
}

// Close drops every connection and stops the server.
func (server *Server) Close() {
	server.mu.Lock()
	server.closed = true
	conns := make([]*serverConn, 0, len(server.conns))
	for conn := range server.conns {
		conns = append(conns, conn)
	}
	server.mu.Unlock()

	for _, conn := range conns {
		conn.ws.Close()
	}
	if server.http != nil {
		server.http.Close()
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	format := query.Get("format")
	if format == "" {
		format = realtime.FormatJSON
	}
	encoder, err := realtime.NewEncoder(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.options.Logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	echo := true
	if value := query.Get("echo"); value != "" {
		echo, _ = strconv.ParseBool(value)
	}
	conn := &serverConn{
		server:   server,
		ws:       ws,
		encoder:  encoder,
		echo:     echo,
		key:      query.Get("key"),
		token:    query.Get("accessToken"),
		clientID: query.Get("clientId"),
	}

	server.mu.Lock()
	if server.closed {
		server.mu.Unlock()
		ws.Close()
		return
	}
	server.conns[conn] = struct{}{}
	server.connects++
	server.mu.Unlock()

	server.options.Logger.Debug().Str("remote", r.RemoteAddr).Str("format", format).Msg("connection opened")
	conn.serve()
}

// Connects returns the number of transports accepted so far.
func (server *Server) Connects() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.connects
}

// Sessions returns the number of resumable connections the server holds.
func (server *Server) Sessions() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.sessions)
}
