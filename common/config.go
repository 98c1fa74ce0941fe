package common

import "github.com/spf13/viper"

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Subscription streams are long lived, so the default is no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Event Broker Related Config

// BrokerEndpointConfig defines broker API endpoint config
type BrokerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// StreamPath is the end-point path for opening an SSE subscription stream
	StreamPath string `mapstructure:"stream_path" json:"stream_path" validate:"required,startswith=/"`
	// HeartbeatPath is the end-point path for subscription heartbeat pings
	HeartbeatPath string `mapstructure:"heartbeat_path" json:"heartbeat_path" validate:"required,startswith=/"`
	// SubscriptionsPath is the end-point path listing active subscribers
	SubscriptionsPath string `mapstructure:"subscriptions_path" json:"subscriptions_path" validate:"required,startswith=/"`
}

// BrokerConfig defines the event broker runtime parameters
type BrokerConfig struct {
	// Timeout is the max age of a subscription's last heartbeat in seconds
	// before it is considered stale and reaped on the next publish to it
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"required,gte=1"`
	// HeartbeatInterval is the heartbeat period in seconds advertised to
	// clients in the on-connect message
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"required,gte=1"`
	// NotifyChannelOfSubscriptions controls whether a channel is notified
	// when a subscription joins or leaves it
	NotifyChannelOfSubscriptions bool `mapstructure:"notify_channel_of_subscriptions" json:"notify_channel_of_subscriptions"`
	// ReaperInterval is the period in seconds of the background sweep for
	// stale subscriptions. Zero disables the sweep; stale subscriptions are
	// then only reaped when something is published to them.
	ReaperInterval int `mapstructure:"reaper_interval_sec" json:"reaper_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// BrokerServerConfig defines configuration for the broker API server
type BrokerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the broker API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the broker API server
	Endpoints BrokerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the event broker runtime parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Server are the broker API server configs
	Server BrokerServerConfig `mapstructure:"server" json:"server" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.timeout_sec", 30)
	viper.SetDefault("broker.heartbeat_interval_sec", 10)
	viper.SetDefault("broker.notify_channel_of_subscriptions", true)
	viper.SetDefault("broker.reaper_interval_sec", 0)

	// Default server settings
	viper.SetDefault("server.endpoint_config.path_prefix", "/")
	viper.SetDefault("server.endpoint_config.stream_path", "/event-stream")
	viper.SetDefault("server.endpoint_config.heartbeat_path", "/event-heartbeat")
	viper.SetDefault("server.endpoint_config.subscriptions_path", "/event-subscribers")
	viper.SetDefault("server.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("server.api_server.server_config.listen_port", 3000)
	viper.SetDefault("server.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("server.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("server.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"server.api_server.logging_config.request_id_header", "Httppush-Request-ID",
	)
	viper.SetDefault(
		"server.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
