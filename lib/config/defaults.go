package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/meshroute/meshroute/lib/util/logger"
)

// ConfigDefaults holds every tunable with its default value.
type ConfigDefaults struct {
	Mesh      MeshDefaults      `yaml:"mesh"`
	Identity  IdentityDefaults  `yaml:"identity"`
	Router    RouterDefaults    `yaml:"router"`
	Handshake HandshakeDefaults `yaml:"handshake"`
	Relay     RelayDefaults     `yaml:"relay"`
	Storage   StorageDefaults   `yaml:"storage"`
}

// MeshDefaults describes the local device.
type MeshDefaults struct {
	// Nickname is announced to peers on every transport.
	// Default: "anon"
	Nickname string `yaml:"nickname"`

	// Channels are geohash location channels joined at startup.
	// Default: none
	Channels []string `yaml:"channels"`
}

// IdentityDefaults configures the identity store.
type IdentityDefaults struct {
	// SessionTTL is how long an ephemeral identity survives without activity.
	// Default: 1 hour
	SessionTTL time.Duration `yaml:"session_ttl"`

	// PassphraseEnv names the environment variable holding the passphrase
	// used to encrypt the file store.
	// Default: "MESHROUTE_PASSPHRASE"
	PassphraseEnv string `yaml:"passphrase_env"`
}

// RouterDefaults configures the message router.
type RouterDefaults struct {
	// InboundBuffer is the depth of the inbound event queue.
	// Default: 1024
	InboundBuffer int `yaml:"inbound_buffer"`

	// SendTimeout bounds a single outbound send.
	// Default: 10 seconds
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// HandshakeDefaults configures the Noise handshake driver and lazy manager.
type HandshakeDefaults struct {
	// Timeout fails a handshake that has not completed in time.
	// Default: 30 seconds
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts bounds retries for a single peer.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the pause between failed attempts.
	// Default: 5 seconds
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// SweepInterval is how often stalled handshakes are checked.
	// Default: 2 seconds
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RelayDefaults configures the MQTT relay transport and embedded broker.
type RelayDefaults struct {
	// Enabled registers the relay transport with the router.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// BrokerURL is the MQTT broker the relay connects to.
	// Default: "tcp://127.0.0.1:1883"
	BrokerURL string `yaml:"broker_url"`

	// ClientID is the MQTT client id; empty picks one per run.
	ClientID string `yaml:"client_id"`

	// TopicRoot prefixes every relay topic.
	// Default: "meshroute"
	TopicRoot string `yaml:"topic_root"`

	// PublishRate limits publishes per second.
	// Default: 20
	PublishRate float64 `yaml:"publish_rate"`

	// Burst is the publish burst allowance.
	// Default: 40
	Burst int `yaml:"burst"`

	// ConnectTimeout bounds the initial broker connection.
	// Default: 10 seconds
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// EmbeddedListen is the listen address of `meshroute relay`.
	// Default: ":1883"
	EmbeddedListen string `yaml:"embedded_listen"`
}

// StorageDefaults selects the persistence backend.
type StorageDefaults struct {
	// Backend is one of memory, file, etcd, postgres.
	// Default: "file"
	Backend string `yaml:"backend"`

	// Dir holds the file backend.
	// Default: $HOME/.meshroute/data
	Dir string `yaml:"dir"`

	// EtcdEndpoints lists etcd members for the etcd backend.
	// Default: ["127.0.0.1:2379"]
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// EtcdPrefix namespaces keys in etcd.
	// Default: "/meshroute/"
	EtcdPrefix string `yaml:"etcd_prefix"`

	// EtcdDialTimeout bounds etcd connection setup.
	// Default: 5 seconds
	EtcdDialTimeout time.Duration `yaml:"etcd_dial_timeout"`

	// PostgresDSN is the connection string of the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Defaults returns a ConfigDefaults instance with all default values set.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Mesh:      buildMeshDefaults(),
		Identity:  buildIdentityDefaults(),
		Router:    buildRouterDefaults(),
		Handshake: buildHandshakeDefaults(),
		Relay:     buildRelayDefaults(),
		Storage:   buildStorageDefaults(BuildConfigDirPath()),
	}
}

func buildMeshDefaults() MeshDefaults {
	return MeshDefaults{
		Nickname: "anon",
		Channels: []string{},
	}
}

func buildIdentityDefaults() IdentityDefaults {
	return IdentityDefaults{
		SessionTTL:    time.Hour,
		PassphraseEnv: "MESHROUTE_PASSPHRASE",
	}
}

func buildRouterDefaults() RouterDefaults {
	return RouterDefaults{
		InboundBuffer: 1024,
		SendTimeout:   10 * time.Second,
	}
}

func buildHandshakeDefaults() HandshakeDefaults {
	return HandshakeDefaults{
		Timeout:       30 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  5 * time.Second,
		SweepInterval: 2 * time.Second,
	}
}

func buildRelayDefaults() RelayDefaults {
	return RelayDefaults{
		Enabled:        false,
		BrokerURL:      "tcp://127.0.0.1:1883",
		TopicRoot:      "meshroute",
		PublishRate:    20,
		Burst:          40,
		ConnectTimeout: 10 * time.Second,
		EmbeddedListen: ":1883",
	}
}

func buildStorageDefaults(baseDir string) StorageDefaults {
	return StorageDefaults{
		Backend:         "file",
		Dir:             filepath.Join(baseDir, "data"),
		EtcdEndpoints:   []string{"127.0.0.1:2379"},
		EtcdPrefix:      "/meshroute/",
		EtcdDialTimeout: 5 * time.Second,
	}
}

// Validate checks cfg and returns the first problem found.
func Validate(cfg ConfigDefaults) error {
	log.WithFields(logger.Fields{
		"at":     "Validate",
		"reason": "verification_requested",
	}).Debug("validating configuration")

	validators := []func() error{
		func() error { return validateMesh(cfg.Mesh) },
		func() error { return validateIdentity(cfg.Identity) },
		func() error { return validateRouter(cfg.Router) },
		func() error { return validateHandshake(cfg.Handshake) },
		func() error { return validateRelay(cfg.Relay) },
		func() error { return validateStorage(cfg.Storage) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	return nil
}

func validateMesh(mesh MeshDefaults) error {
	if strings.TrimSpace(mesh.Nickname) == "" {
		return newValidationError("Mesh.Nickname must not be empty")
	}
	return nil
}

func validateIdentity(identity IdentityDefaults) error {
	if identity.SessionTTL < time.Second {
		return newValidationError("Identity.SessionTTL must be at least 1 second")
	}
	return nil
}

func validateRouter(router RouterDefaults) error {
	if router.InboundBuffer < 1 {
		return newValidationError("Router.InboundBuffer must be at least 1")
	}
	if router.SendTimeout <= 0 {
		return newValidationError("Router.SendTimeout must be positive")
	}
	return nil
}

func validateHandshake(hs HandshakeDefaults) error {
	if hs.Timeout <= 0 {
		return newValidationError("Handshake.Timeout must be positive")
	}
	if hs.MaxAttempts < 1 {
		return newValidationError("Handshake.MaxAttempts must be at least 1")
	}
	if hs.RetryBackoff < 0 {
		return newValidationError("Handshake.RetryBackoff must not be negative")
	}
	if hs.SweepInterval <= 0 {
		return newValidationError("Handshake.SweepInterval must be positive")
	}
	return nil
}

func validateRelay(relay RelayDefaults) error {
	if !relay.Enabled {
		return nil
	}
	if relay.BrokerURL == "" {
		return newValidationError("Relay.BrokerURL is required when the relay is enabled")
	}
	if relay.PublishRate <= 0 {
		return newValidationError("Relay.PublishRate must be positive")
	}
	if relay.Burst < 1 {
		return newValidationError("Relay.Burst must be at least 1")
	}
	return nil
}

func validateStorage(storage StorageDefaults) error {
	switch storage.Backend {
	case "memory":
	case "file":
		if storage.Dir == "" {
			return newValidationError("Storage.Dir is required for the file backend")
		}
	case "etcd":
		if len(storage.EtcdEndpoints) == 0 {
			return newValidationError("Storage.EtcdEndpoints is required for the etcd backend")
		}
	case "postgres":
		if storage.PostgresDSN == "" {
			return newValidationError("Storage.PostgresDSN is required for the postgres backend")
		}
	default:
		return newValidationError("Storage.Backend must be one of memory, file, etcd, postgres")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
