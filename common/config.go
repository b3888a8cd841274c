package common

import (
	"fmt"

	"github.com/spf13/viper"
)

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
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// ===============================================================================
// Management Server Related Config

// ManagementEndpointConfig defines management API endpoint config
type ManagementEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the management APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ManagementServerConfig defines configuration for the management API server
type ManagementServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the management API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters for the management API server
	Endpoints ManagementEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Local Server Related Config

// LocalServerConfig describes the local server as it is announced to the cohorts
type LocalServerConfig struct {
	// ServerName name of the local server
	ServerName string `mapstructure:"server_name" json:"server_name" validate:"required"`
	// ServerType type of the local server
	ServerType string `mapstructure:"server_type" json:"server_type"`
	// OrganizationName organization operating the local server
	OrganizationName string `mapstructure:"organization_name" json:"organization_name"`
	// MetadataCollectionName human readable name of the local metadata collection
	MetadataCollectionName string `mapstructure:"metadata_collection_name" json:"metadata_collection_name"`
	// MetadataCollectionID ID of the local metadata collection. A new one is minted
	// when this is empty and no stored registration exists.
	MetadataCollectionID string `mapstructure:"metadata_collection_id" json:"metadata_collection_id,omitempty"`
	// RepositoryProtocol protocol other members use to reach the local repository
	RepositoryProtocol string `mapstructure:"repository_protocol" json:"repository_protocol" validate:"omitempty,oneof=nats"`
	// RepositoryEndpoint endpoint other members use to reach the local repository.
	// An empty value means the local repository is not exposed to the cohort.
	RepositoryEndpoint string `mapstructure:"repository_endpoint" json:"repository_endpoint,omitempty"`
}

// ===============================================================================
// Cohort Related Config

// CohortTopicConfig defines the event topic used by one cohort
type CohortTopicConfig struct {
	// Type is the topic implementation: "nats" or "memory"
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=nats memory"`
	// Stream is the JetStream stream name backing the topic
	Stream string `mapstructure:"stream" json:"stream"`
	// SubjectPrefix is the NATS subject prefix for the topic
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
	// DedupTTL is how long an event ID is remembered for de-duplication in seconds
	DedupTTL int `mapstructure:"dedup_ttl_sec" json:"dedup_ttl_sec" validate:"gte=0"`
	// PublishTimeout is the max duration to wait for a publish ACK in seconds
	PublishTimeout int `mapstructure:"publish_timeout_sec" json:"publish_timeout_sec" validate:"gte=0"`
}

// RegistryStoreConfig defines the registry store used by one cohort
type RegistryStoreConfig struct {
	// Type is the store implementation: "memory", "file", "sqlite", or "etcd"
	Type string `mapstructure:"type" json:"type" validate:"required,oneof=memory file sqlite etcd"`
	// Path is the file path for "file" and "sqlite" stores
	Path string `mapstructure:"path" json:"path,omitempty" validate:"required_if=Type file,required_if=Type sqlite"`
	// EtcdEndpoints is the list of etcd endpoints for "etcd" stores
	EtcdEndpoints []string `mapstructure:"etcd_endpoints" json:"etcd_endpoints,omitempty" validate:"required_if=Type etcd"`
	// Timeout is the max duration of a single store operation in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=0"`
}

// CohortConfig defines the local server's participation in one cohort
type CohortConfig struct {
	// Name is the name of the cohort
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Topic is the cohort event topic config
	Topic CohortTopicConfig `mapstructure:"topic" json:"topic" validate:"required"`
	// Store is the cohort registry store config
	Store RegistryStoreConfig `mapstructure:"store" json:"store" validate:"required"`
	// ReannounceInterval is the period between re-announcements of the local
	// registration in seconds. Zero disables periodic re-announcement.
	ReannounceInterval int `mapstructure:"reannounce_interval_sec" json:"reannounce_interval_sec" validate:"gte=0"`
	// StalenessThreshold is the age after which a silent member is reported as stale
	// in seconds. Zero disables staleness annotation.
	StalenessThreshold int `mapstructure:"staleness_threshold_sec" json:"staleness_threshold_sec" validate:"gte=0"`
	// AutoConnect whether to connect to the cohort at startup
	AutoConnect bool `mapstructure:"auto_connect" json:"auto_connect"`
}

// ApplyDefaults fill in unset optional parameters
func (c *CohortConfig) ApplyDefaults() {
	if c.Topic.Stream == "" {
		c.Topic.Stream = fmt.Sprintf("omrs-%s", c.Name)
	}
	if c.Topic.SubjectPrefix == "" {
		c.Topic.SubjectPrefix = "omrs.cohort"
	}
	if c.Topic.DedupTTL == 0 {
		c.Topic.DedupTTL = 300
	}
	if c.Topic.PublishTimeout == 0 {
		c.Topic.PublishTimeout = 5
	}
	if c.Store.Timeout == 0 {
		c.Store.Timeout = 5
	}
}

// ===============================================================================
// Federation Related Config

// FederationConfig defines federated query parameters
type FederationConfig struct {
	// MemberTimeout is the max duration of one member call in milliseconds
	MemberTimeout int `mapstructure:"member_timeout_ms" json:"member_timeout_ms" validate:"gte=1"`
	// StrictConsistency whether any member failure fails the federated request
	StrictConsistency bool `mapstructure:"strict_consistency" json:"strict_consistency"`
	// IncludeLocal whether the local repository takes part in federated requests
	IncludeLocal bool `mapstructure:"include_local" json:"include_local"`
	// SubjectPrefix is the NATS subject prefix for repository request / reply
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// SaveReferenceCopies whether instances announced by other members are kept
	// in the local repository
	SaveReferenceCopies bool `mapstructure:"save_reference_copies" json:"save_reference_copies"`
}

// ===============================================================================
// Initialization Related Config

// InitializationConfig defines the retry behavior of background initialization
type InitializationConfig struct {
	// MaxAttempts is the max number of attempts (negative is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`
	// RetryInterval is the wait between attempts in seconds
	RetryInterval int `mapstructure:"retry_interval_sec" json:"retry_interval_sec" validate:"gte=1"`
	// SchedulerWorkers is the number of workers in the shared retry scheduler
	SchedulerWorkers int `mapstructure:"scheduler_workers" json:"scheduler_workers" validate:"gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the cohort server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// LocalServer describes the local server
	LocalServer LocalServerConfig `mapstructure:"local_server" json:"local_server" validate:"required"`
	// Cohorts are the cohorts the local server participates in
	Cohorts []CohortConfig `mapstructure:"cohorts" json:"cohorts" validate:"required,min=1,unique=Name,dive"`
	// Federation are the federated query parameters
	Federation FederationConfig `mapstructure:"federation" json:"federation" validate:"required"`
	// Initialization are the background initialization parameters
	Initialization InitializationConfig `mapstructure:"initialization" json:"initialization" validate:"required"`
	// Management are the management API server configs
	Management *ManagementServerConfig `mapstructure:"management,omitempty" json:"management,omitempty" validate:"omitempty"`
}

// ApplyDefaults fill in unset optional parameters of every cohort
func (c *SystemConfig) ApplyDefaults() {
	for idx := range c.Cohorts {
		c.Cohorts[idx].ApplyDefaults()
	}
}

// UsesNATS whether any part of the config requires a NATS connection
func (c *SystemConfig) UsesNATS() bool {
	if c.LocalServer.RepositoryProtocol == "nats" {
		return true
	}
	for _, cohort := range c.Cohorts {
		if cohort.Topic.Type == "nats" {
			return true
		}
	}
	return false
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default local server settings
	viper.SetDefault("local_server.server_name", "omrs-server")
	viper.SetDefault("local_server.server_type", "omrs-cohort-server")
	viper.SetDefault("local_server.repository_protocol", "nats")

	// Default cohort participation
	viper.SetDefault("cohorts", []map[string]interface{}{
		{
			"name":                    "default",
			"topic":                   map[string]interface{}{"type": "memory", "dedup_ttl_sec": 300},
			"store":                   map[string]interface{}{"type": "memory", "timeout_sec": 5},
			"reannounce_interval_sec": 0,
			"staleness_threshold_sec": 300,
			"auto_connect":            true,
		},
	})

	// Default federation settings
	viper.SetDefault("federation.member_timeout_ms", 5000)
	viper.SetDefault("federation.strict_consistency", false)
	viper.SetDefault("federation.include_local", false)
	viper.SetDefault("federation.subject_prefix", "omrs.federation")
	viper.SetDefault("federation.save_reference_copies", false)

	// Default initialization settings
	viper.SetDefault("initialization.max_attempts", -1)
	viper.SetDefault("initialization.retry_interval_sec", 10)
	viper.SetDefault("initialization.scheduler_workers", 2)

	// Default Management server settings
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 3000)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "OMRS-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
