// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// RequestTimeout is the max duration to wait for a reply from another node in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// RelayWorkers is the number of workers processing requests from other nodes
	RelayWorkers int `mapstructure:"relay_workers" json:"relay_workers" validate:"gte=1"`
}

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
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
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

// EndpointPathConfig defines API endpoint path config
type EndpointPathConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Storage Related Config

// SQLiteConfig defines the SQLite storage driver parameters
type SQLiteConfig struct {
	// DSN is the SQLite data source name
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
}

// RedisConfig defines the Redis storage driver parameters
type RedisConfig struct {
	// ServerURI is the Redis connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// KeyPrefix is prepended to every key the driver writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
}

// RetryConfig defines retry with backoff parameters
type RetryConfig struct {
	// MaxAttempts is the max number of attempts for one operation
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// InitialBackoff is the wait before the first retry in milliseconds
	InitialBackoff int `mapstructure:"initial_backoff_ms" json:"initial_backoff_ms" validate:"gte=1"`
	// MaxBackoff is the max wait between retries in milliseconds
	MaxBackoff int `mapstructure:"max_backoff_ms" json:"max_backoff_ms" validate:"gtefield=InitialBackoff"`
}

// StorageConfig defines the message / router storage parameters
type StorageConfig struct {
	// Driver selects the storage driver
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=memory sqlite redis"`
	// SQLite are the SQLite driver parameters. Required by the "sqlite" driver.
	SQLite *SQLiteConfig `mapstructure:"sqlite,omitempty" json:"sqlite,omitempty" validate:"omitempty,dive"`
	// Redis are the Redis driver parameters. Required by the "redis" driver.
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
	// Retry defines how storage errors are retried
	Retry RetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
	// SweepInterval is the period between expired message sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// SweepBatch is the max number of expired messages removed per sweep
	SweepBatch int `mapstructure:"sweep_batch" json:"sweep_batch" validate:"gte=1"`
}

// ===============================================================================
// Broadcast Related Config

// BroadcastConfig defines the broadcast version source parameters
type BroadcastConfig struct {
	// SourceURL is the URL polled for service versions. Polling is off when empty.
	SourceURL string `mapstructure:"source_url" json:"source_url" validate:"omitempty,url"`
	// Token is the bearer credential presented to the source
	Token string `mapstructure:"token" json:"-"`
	// PollInterval is the period between polls in seconds
	PollInterval int `mapstructure:"poll_interval_sec" json:"poll_interval_sec" validate:"gte=1"`
	// RequestTimeout is the max duration of one poll in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Crypto Related Config

// CryptoConfig defines the endpoint token sealing parameters
type CryptoConfig struct {
	// TokenKey is the base64url encoded 32 byte key used to seal endpoint tokens
	TokenKey string `mapstructure:"token_key" json:"-" validate:"required"`
}

// ===============================================================================
// Endpoint Server Related Config

// EndpointServerConfig defines configuration for the ingress send API server
type EndpointServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the endpoint server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the endpoint server
	Endpoints EndpointPathConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// PublicURL is the externally visible base URL of the endpoint server
	PublicURL string `mapstructure:"public_url" json:"public_url" validate:"required,url"`
	// MaxDataBytes is the largest accepted notification body
	MaxDataBytes int `mapstructure:"max_data_bytes" json:"max_data_bytes" validate:"gte=1"`
	// MaxTTL is the largest TTL in seconds. Larger values are clamped.
	MaxTTL int64 `mapstructure:"max_ttl_sec" json:"max_ttl_sec" validate:"gte=1"`
	// VAPIDMaxExpiry is how far in the future a VAPID exp claim may be in seconds
	VAPIDMaxExpiry int64 `mapstructure:"vapid_max_exp_sec" json:"vapid_max_exp_sec" validate:"gte=1"`
	// VAPIDStrictClaims requires a mailto:/https: sub and an aud naming PublicURL's origin
	VAPIDStrictClaims bool `mapstructure:"vapid_strict_claims" json:"vapid_strict_claims"`
	// VAPIDKeyCacheSize is the number of parsed VAPID keys kept in memory
	VAPIDKeyCacheSize int `mapstructure:"vapid_key_cache_size" json:"vapid_key_cache_size" validate:"gte=1"`
}

// ===============================================================================
// Connection Server Related Config

// ConnectionServerConfig defines configuration for the client session server
type ConnectionServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the connection server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the connection server
	Endpoints EndpointPathConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// BatchSize is the max number of un-acked notifications sent to one session
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	// IdleTimeout closes a session which sent nothing for this long in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=1"`
	// InboxDepth is the buffer depth of a session's live delivery queue
	InboxDepth int `mapstructure:"inbox_depth" json:"inbox_depth" validate:"gte=1"`
	// WriteTimeout is the max duration of one frame write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// UserRetention drops a user agent which has not connected for this long in seconds.
	// Zero keeps user agents forever.
	UserRetention int64 `mapstructure:"user_retention_sec" json:"user_retention_sec" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either endpoint or connection server
type SystemConfig struct {
	// NodeID identifies this node. The hostname is used when empty.
	NodeID string `mapstructure:"node_id" json:"node_id"`
	// Crypto are the endpoint token parameters
	Crypto CryptoConfig `mapstructure:"crypto" json:"crypto" validate:"required,dive"`
	// Storage are the storage driver parameters
	Storage StorageConfig `mapstructure:"storage" json:"storage" validate:"required,dive"`
	// NATS are the NATS related config parameters. Node relay is off when absent.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Broadcast are the broadcast polling parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// Endpoint are the ingress send API server configs
	Endpoint *EndpointServerConfig `mapstructure:"endpoint,omitempty" json:"endpoint,omitempty" validate:"omitempty,dive"`
	// Connection are the client session server configs
	Connection *ConnectionServerConfig `mapstructure:"connection,omitempty" json:"connection,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default storage settings
	viper.SetDefault("storage.driver", "memory")
	viper.SetDefault("storage.retry.max_attempts", 3)
	viper.SetDefault("storage.retry.initial_backoff_ms", 25)
	viper.SetDefault("storage.retry.max_backoff_ms", 400)
	viper.SetDefault("storage.sweep_interval_sec", 60)
	viper.SetDefault("storage.sweep_batch", 100)

	// Default broadcast settings
	viper.SetDefault("broadcast.poll_interval_sec", 30)
	viper.SetDefault("broadcast.request_timeout_sec", 10)

	// Default Endpoint server settings
	viper.SetDefault("endpoint.endpoint_config.path_prefix", "/")
	viper.SetDefault("endpoint.public_url", "http://127.0.0.1:8082")
	viper.SetDefault("endpoint.max_data_bytes", 4096)
	viper.SetDefault("endpoint.max_ttl_sec", 60*24*60*60)
	viper.SetDefault("endpoint.vapid_max_exp_sec", 24*60*60)
	viper.SetDefault("endpoint.vapid_strict_claims", false)
	viper.SetDefault("endpoint.vapid_key_cache_size", 1024)
	viper.SetDefault("endpoint.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("endpoint.api_server.server_config.listen_port", 8082)
	viper.SetDefault("endpoint.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("endpoint.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("endpoint.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"endpoint.api_server.logging_config.request_id_header", "Httpush-Request-ID",
	)
	viper.SetDefault(
		"endpoint.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
			"Crypto-Key",
		},
	)

	// Default Connection server settings
	viper.SetDefault("connection.endpoint_config.path_prefix", "/")
	viper.SetDefault("connection.batch_size", 6)
	viper.SetDefault("connection.idle_timeout_sec", 300)
	viper.SetDefault("connection.inbox_depth", 32)
	viper.SetDefault("connection.write_timeout_sec", 10)
	viper.SetDefault("connection.user_retention_sec", 60*24*60*60)
	viper.SetDefault("connection.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("connection.api_server.server_config.listen_port", 8080)
	viper.SetDefault("connection.api_server.server_config.read_timeout_sec", 0)
	viper.SetDefault("connection.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("connection.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"connection.api_server.logging_config.request_id_header", "Httpush-Request-ID",
	)
	viper.SetDefault(
		"connection.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallDefaultNATSConfigValues installs default NATS parameters in viper. Only
// called when the node relay is requested, since NATS is optional.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.request_timeout_sec", 2)
	viper.SetDefault("nats.relay_workers", 4)
}
