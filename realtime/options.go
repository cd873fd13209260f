package realtime

import (
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	apiVersion     = "2"
	libraryAgent   = "realtime-client-go/1.0.0"
	recoveryKeyKey = "realtime.recoveryKey"
)

// ClientOptions configures a Client. Start from DefaultClientOptions; the
// zero value disables AutoConnect, QueueMessages and EchoMessages. Options
// are copied at construction and never mutated afterwards.
type ClientOptions struct {
	Key         string `mapstructure:"key"`
	Token       string `mapstructure:"token"`
	ClientID    string `mapstructure:"client_id"`
	Environment string `mapstructure:"environment"`

	RealtimeHost     string   `mapstructure:"realtime_host"`
	Port             int      `mapstructure:"port"`
	TLS              bool     `mapstructure:"tls"`
	FallbackHosts    []string `mapstructure:"fallback_hosts"`
	DisableFallbacks bool     `mapstructure:"disable_fallbacks"`
	InternetUpURL    string   `mapstructure:"internet_up_url"`

	Format        string `mapstructure:"format"`
	AutoConnect   bool   `mapstructure:"auto_connect"`
	QueueMessages bool   `mapstructure:"queue_messages"`
	EchoMessages  bool   `mapstructure:"echo_messages"`
	Recover       string `mapstructure:"recover"`

	DisconnectedRetryTimeout time.Duration `mapstructure:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    time.Duration `mapstructure:"suspended_retry_timeout"`
	ChannelRetryTimeout      time.Duration `mapstructure:"channel_retry_timeout"`
	RealtimeRequestTimeout   time.Duration `mapstructure:"realtime_request_timeout"`
	ConnectionStateTTL       time.Duration `mapstructure:"connection_state_ttl"`
	MaxIdleInterval          time.Duration `mapstructure:"max_idle_interval"`
	MaxRetryDelay            time.Duration `mapstructure:"max_retry_delay"`
	MaxDisconnectedRetries   int           `mapstructure:"max_disconnected_retries"`
	MaxMessageSize           int           `mapstructure:"max_message_size"`
	ChannelQueueLimit        int           `mapstructure:"channel_queue_limit"`

	Agents          map[string]string `mapstructure:"agents"`
	TransportParams map[string]string `mapstructure:"transport_params"`
	LogLevel        string            `mapstructure:"log_level"`

	Authenticator       Authenticator              `mapstructure:"-"`
	TransportFactory    TransportFactory           `mapstructure:"-"`
	Encoder             Encoder                    `mapstructure:"-"`
	Clock               clock.Clock                `mapstructure:"-"`
	Random              RandomSource               `mapstructure:"-"`
	Jitter              JitterCoefficientGenerator `mapstructure:"-"`
	ConnectivityChecker ConnectivityChecker        `mapstructure:"-"`
	Storage             Storage                    `mapstructure:"-"`
	Logger              *zerolog.Logger            `mapstructure:"-"`
	Metrics             prometheus.Registerer      `mapstructure:"-"`
	MetricsNamespace    string                     `mapstructure:"metrics_namespace"`
}

// DefaultClientOptions returns options with every default applied.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		TLS:                      true,
		Format:                   FormatJSON,
		AutoConnect:              true,
		QueueMessages:            true,
		EchoMessages:             true,
		InternetUpURL:            "https://internet-up.ably-realtime.com/is-the-internet-up.txt",
		DisconnectedRetryTimeout: 15 * time.Second,
		SuspendedRetryTimeout:    30 * time.Second,
		ChannelRetryTimeout:      15 * time.Second,
		RealtimeRequestTimeout:   10 * time.Second,
		ConnectionStateTTL:       60 * time.Second,
		MaxIdleInterval:          15 * time.Second,
		MaxRetryDelay:            60 * time.Second,
		MaxMessageSize:           65536,
		ChannelQueueLimit:        100,
		MetricsNamespace:         "realtime_client",
	}
}

// withDefaults fills zero durations and limits; booleans are left alone.
func (options ClientOptions) withDefaults() ClientOptions {
	defaults := DefaultClientOptions()
	if options.Format == "" {
		options.Format = defaults.Format
	}
	if options.DisconnectedRetryTimeout <= 0 {
		options.DisconnectedRetryTimeout = defaults.DisconnectedRetryTimeout
	}
	if options.SuspendedRetryTimeout <= 0 {
		options.SuspendedRetryTimeout = defaults.SuspendedRetryTimeout
	}
	if options.ChannelRetryTimeout <= 0 {
		options.ChannelRetryTimeout = defaults.ChannelRetryTimeout
	}
	if options.RealtimeRequestTimeout <= 0 {
		options.RealtimeRequestTimeout = defaults.RealtimeRequestTimeout
	}
	if options.ConnectionStateTTL <= 0 {
		options.ConnectionStateTTL = defaults.ConnectionStateTTL
	}
	if options.MaxIdleInterval <= 0 {
		options.MaxIdleInterval = defaults.MaxIdleInterval
	}
	if options.MaxRetryDelay <= 0 {
		options.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = defaults.MaxMessageSize
	}
	if options.ChannelQueueLimit <= 0 {
		options.ChannelQueueLimit = defaults.ChannelQueueLimit
	}
	if options.MetricsNamespace == "" {
		options.MetricsNamespace = defaults.MetricsNamespace
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.Jitter == nil {
		options.Jitter = &DefaultJitterCoefficientGenerator{}
	}
	if options.Random == nil {
		options.Random = globalRandom{}
	}
	if options.TransportFactory == nil {
		options.TransportFactory = NewWebSocketTransport
	}
	if options.ConnectivityChecker == nil {
		options.ConnectivityChecker = NewHTTPConnectivityChecker(options.InternetUpURL, options.RealtimeRequestTimeout)
	}
	return options
}

func (options ClientOptions) validate() error {
	if options.Key == "" && options.Token == "" && options.Authenticator == nil {
		return NewError(ErrorCodeBadRequest, "no means of authentication: set Key, Token or Authenticator")
	}
	if options.Key != "" && !strings.Contains(options.Key, ":") {
		return NewError(ErrorCodeBadRequest, "invalid key format, expected name:secret")
	}
	if options.ClientID == "*" {
		return NewError(ErrorCodeBadRequest, "wildcard client id is not permitted in client options")
	}
	if options.Encoder == nil {
		if _, err := NewEncoder(options.Format); err != nil {
			return err
		}
	}
	return nil
}

func (options ClientOptions) realtimeHost() string {
	if options.RealtimeHost != "" {
		return options.RealtimeHost
	}
	if options.Environment != "" && options.Environment != productionEnvironment {
		return options.Environment + "-" + defaultRealtimeHost
	}
	return defaultRealtimeHost
}

// fallbackCandidates returns the hosts eligible for fallback. A custom
// realtime host without explicit fallbacks disables fallback.
func (options ClientOptions) fallbackCandidates() []string {
	if options.DisableFallbacks {
		return nil
	}
	if len(options.FallbackHosts) > 0 {
		return options.FallbackHosts
	}
	if options.RealtimeHost != "" || options.Port != 0 {
		return nil
	}
	return DefaultFallbackHosts(options.Environment)
}

func (options ClientOptions) agentString() string {
	parts := []string{libraryAgent}
	for _, name := range slices.Sorted(maps.Keys(options.Agents)) {
		version := options.Agents[name]
		if version == "" {
			parts = append(parts, name)
			continue
		}
		parts = append(parts, name+"/"+version)
	}
	return strings.Join(parts, " ")
}

// websocketURL builds the URL for host. Credentials and connection options
// travel as query parameters; resume state travels in the CONNECT envelope.
func (options ClientOptions) websocketURL(host string, token string, format string) string {
	scheme := "ws"
	if options.TLS {
		scheme = "wss"
	}
	if options.Port != 0 {
		host = host + ":" + strconv.Itoa(options.Port)
	}

	query := url.Values{}
	for name, value := range options.TransportParams {
		query.Set(name, value)
	}
	if token != "" {
		query.Set("accessToken", token)
	} else if options.Key != "" {
		query.Set("key", options.Key)
	}
	if options.ClientID != "" {
		query.Set("clientId", options.ClientID)
	}
	query.Set("echo", strconv.FormatBool(options.EchoMessages))
	query.Set("format", format)
	query.Set("v", apiVersion)
	query.Set("agent", options.agentString())

	target := url.URL{Scheme: scheme, Host: host, Path: "/", RawQuery: query.Encode()}
	return target.String()
}
