package realtime

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// LoadClientOptions reads ClientOptions from the config file at path (any
// format viper understands; empty path skips the file) and from environment
// variables named envPrefix_KEY, for example REALTIME_CLIENT_ID. Unset keys
// keep the DefaultClientOptions values. Programmatic fields such as the
// Authenticator and the Logger are left for the caller to fill in, and
// NewClient validates the result.
func LoadClientOptions(path string, envPrefix string) (ClientOptions, error) {
	v := viper.NewWithOptions(viper.WithDecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	setOptionDefaults(v, DefaultClientOptions())

	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound *os.PathError
			if !errors.As(err, &notFound) {
				return ClientOptions{}, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		}
	}

	options := DefaultClientOptions()
	if err := v.Unmarshal(&options); err != nil {
		return ClientOptions{}, fmt.Errorf("error unmarshaling client options: %w", err)
	}
	return options, nil
}

// setOptionDefaults registers every option key so environment variables are
// picked up for keys absent from the file.
func setOptionDefaults(v *viper.Viper, defaults ClientOptions) {
	v.SetDefault("key", defaults.Key)
	v.SetDefault("token", defaults.Token)
	v.SetDefault("client_id", defaults.ClientID)
	v.SetDefault("environment", defaults.Environment)
	v.SetDefault("realtime_host", defaults.RealtimeHost)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("tls", defaults.TLS)
	v.SetDefault("fallback_hosts", defaults.FallbackHosts)
	v.SetDefault("disable_fallbacks", defaults.DisableFallbacks)
	v.SetDefault("internet_up_url", defaults.InternetUpURL)
	v.SetDefault("format", defaults.Format)
	v.SetDefault("auto_connect", defaults.AutoConnect)
	v.SetDefault("queue_messages", defaults.QueueMessages)
	v.SetDefault("echo_messages", defaults.EchoMessages)
	v.SetDefault("recover", defaults.Recover)
	v.SetDefault("disconnected_retry_timeout", defaults.DisconnectedRetryTimeout)
	v.SetDefault("suspended_retry_timeout", defaults.SuspendedRetryTimeout)
	v.SetDefault("channel_retry_timeout", defaults.ChannelRetryTimeout)
	v.SetDefault("realtime_request_timeout", defaults.RealtimeRequestTimeout)
	v.SetDefault("connection_state_ttl", defaults.ConnectionStateTTL)
	v.SetDefault("max_idle_interval", defaults.MaxIdleInterval)
	v.SetDefault("max_retry_delay", defaults.MaxRetryDelay)
	v.SetDefault("max_disconnected_retries", defaults.MaxDisconnectedRetries)
	v.SetDefault("max_message_size", defaults.MaxMessageSize)
	v.SetDefault("channel_queue_limit", defaults.ChannelQueueLimit)
	v.SetDefault("agents", defaults.Agents)
	v.SetDefault("transport_params", defaults.TransportParams)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("metrics_namespace", defaults.MetricsNamespace)
}
