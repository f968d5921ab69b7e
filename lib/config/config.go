package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/meshroute/meshroute/lib/util"
	"github.com/meshroute/meshroute/lib/util/logger"
	"github.com/samber/oops"
	"github.com/spf13/viper"
)

var (
	CfgFile string
	log     = logger.GetLogger()
)

const MESHROUTE_BASE_DIR = ".meshroute"

// InitConfig loads the config file named by CfgFile, or
// $HOME/.meshroute/config.yaml, creating the latter when missing.
func InitConfig() error {
	if CfgFile != "" {
		if !util.CheckFileExists(CfgFile) {
			return oops.In("config").With("file", CfgFile).Errorf("config file is not found")
		}
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(BuildConfigDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("MESHROUTE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := handleConfigFile(); err != nil {
		return err
	}
	return Validate(CurrentConfig())
}

func setDefaults() {
	d := Defaults()

	viper.SetDefault("mesh.nickname", d.Mesh.Nickname)
	viper.SetDefault("mesh.channels", d.Mesh.Channels)

	viper.SetDefault("identity.session_ttl", d.Identity.SessionTTL)
	viper.SetDefault("identity.passphrase_env", d.Identity.PassphraseEnv)

	viper.SetDefault("router.inbound_buffer", d.Router.InboundBuffer)
	viper.SetDefault("router.send_timeout", d.Router.SendTimeout)

	viper.SetDefault("handshake.timeout", d.Handshake.Timeout)
	viper.SetDefault("handshake.max_attempts", d.Handshake.MaxAttempts)
	viper.SetDefault("handshake.retry_backoff", d.Handshake.RetryBackoff)
	viper.SetDefault("handshake.sweep_interval", d.Handshake.SweepInterval)

	viper.SetDefault("relay.enabled", d.Relay.Enabled)
	viper.SetDefault("relay.broker_url", d.Relay.BrokerURL)
	viper.SetDefault("relay.client_id", d.Relay.ClientID)
	viper.SetDefault("relay.topic_root", d.Relay.TopicRoot)
	viper.SetDefault("relay.publish_rate", d.Relay.PublishRate)
	viper.SetDefault("relay.burst", d.Relay.Burst)
	viper.SetDefault("relay.connect_timeout", d.Relay.ConnectTimeout)
	viper.SetDefault("relay.embedded_listen", d.Relay.EmbeddedListen)

	viper.SetDefault("storage.backend", d.Storage.Backend)
	viper.SetDefault("storage.dir", d.Storage.Dir)
	viper.SetDefault("storage.etcd_endpoints", d.Storage.EtcdEndpoints)
	viper.SetDefault("storage.etcd_prefix", d.Storage.EtcdPrefix)
	viper.SetDefault("storage.etcd_dial_timeout", d.Storage.EtcdDialTimeout)
	viper.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)
}

// CurrentConfig reads the effective configuration back from viper. Keys
// here must match setDefaults.
func CurrentConfig() ConfigDefaults {
	return ConfigDefaults{
		Mesh: MeshDefaults{
			Nickname: viper.GetString("mesh.nickname"),
			Channels: viper.GetStringSlice("mesh.channels"),
		},
		Identity: IdentityDefaults{
			SessionTTL:    viper.GetDuration("identity.session_ttl"),
			PassphraseEnv: viper.GetString("identity.passphrase_env"),
		},
		Router: RouterDefaults{
			InboundBuffer: viper.GetInt("router.inbound_buffer"),
			SendTimeout:   viper.GetDuration("router.send_timeout"),
		},
		Handshake: HandshakeDefaults{
			Timeout:       viper.GetDuration("handshake.timeout"),
			MaxAttempts:   viper.GetInt("handshake.max_attempts"),
			RetryBackoff:  viper.GetDuration("handshake.retry_backoff"),
			SweepInterval: viper.GetDuration("handshake.sweep_interval"),
		},
		Relay: RelayDefaults{
			Enabled:        viper.GetBool("relay.enabled"),
			BrokerURL:      viper.GetString("relay.broker_url"),
			ClientID:       viper.GetString("relay.client_id"),
			TopicRoot:      viper.GetString("relay.topic_root"),
			PublishRate:    viper.GetFloat64("relay.publish_rate"),
			Burst:          viper.GetInt("relay.burst"),
			ConnectTimeout: viper.GetDuration("relay.connect_timeout"),
			EmbeddedListen: viper.GetString("relay.embedded_listen"),
		},
		Storage: StorageDefaults{
			Backend:         viper.GetString("storage.backend"),
			Dir:             viper.GetString("storage.dir"),
			EtcdEndpoints:   viper.GetStringSlice("storage.etcd_endpoints"),
			EtcdPrefix:      viper.GetString("storage.etcd_prefix"),
			EtcdDialTimeout: viper.GetDuration("storage.etcd_dial_timeout"),
			PostgresDSN:     viper.GetString("storage.postgres_dsn"),
		},
	}
}

// Passphrase returns the file store passphrase from the environment
// variable the config names.
func (i IdentityDefaults) Passphrase() string {
	if i.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(i.PassphraseEnv)
}

func createDefaultConfig(defaultConfigDir string) error {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	if err := os.MkdirAll(defaultConfigDir, 0o700); err != nil {
		return oops.In("config").With("dir", defaultConfigDir).Wrapf(err, "could not create config directory")
	}
	if err := viper.SafeWriteConfigAs(defaultConfigFile); err != nil {
		return oops.In("config").With("file", defaultConfigFile).Wrapf(err, "could not write default config file")
	}
	log.Debugf("Created default configuration at: %s", defaultConfigFile)
	return nil
}

func handleConfigFile() error {
	err := viper.ReadInConfig()
	if err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return oops.In("config").Wrapf(err, "error reading config file")
	}
	return createDefaultConfig(BuildConfigDirPath())
}

// BuildConfigDirPath returns $HOME/.meshroute.
func BuildConfigDirPath() string {
	return filepath.Join(util.UserHome(), MESHROUTE_BASE_DIR)
}
