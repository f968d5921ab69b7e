// Package config loads meshroute settings with viper.
//
// Settings come from, in increasing priority, the built-in defaults
// (Defaults), the YAML file at $HOME/.meshroute/config.yaml or the path
// given with --config, and MESHROUTE_* environment variables. The default
// file is written on first run so it can be edited in place.
//
// Sections:
//   - mesh: nickname and geohash channels joined at startup
//   - identity: ephemeral session TTL and the passphrase variable
//   - router: inbound queue depth and send timeout
//   - handshake: Noise handshake timeout and retry policy
//   - relay: MQTT relay transport and the embedded broker
//   - storage: memory, file, etcd or postgres persistence
//
// Use CurrentConfig to read the effective values and Validate to check
// them before starting anything.
package config
