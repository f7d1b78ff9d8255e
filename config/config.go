// Package config holds the settings consumed by the transport engine.
//
// Options are usually built with NewOptions and adjusted in code, or read from
// a YAML file with Load. Validate runs before an engine is constructed; every
// failure it reports matches ErrConfiguration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/assoctransport/address"
	"github.com/opd-ai/assoctransport/crypto"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration indicates invalid or incompatible settings.
var ErrConfiguration = errors.New("configuration error")

// ConfigError describes one invalid setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// Options contains the transport settings.
type Options struct {
	Mode              string        `yaml:"mode"`
	EncryptionEnabled bool          `yaml:"encryption_enabled"`
	Hostname          string        `yaml:"hostname"`
	Port              int           `yaml:"port"`
	SystemName        string        `yaml:"system_name"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// Dispatcher names the executor used for I/O. It is informational only.
	Dispatcher string `yaml:"dispatcher"`

	// Socket buffer sizes; zero leaves the OS default.
	SendBufferSize           int `yaml:"send_buffer_size"`
	ReceiveBufferSize        int `yaml:"receive_buffer_size"`
	WriteBufferHighWaterMark int `yaml:"write_buffer_high_water_mark"`
	WriteBufferLowWaterMark  int `yaml:"write_buffer_low_water_mark"`

	Backlog                    int `yaml:"backlog"`
	ServerSocketWorkerPoolSize int `yaml:"server_socket_worker_pool_size"`
	ClientSocketWorkerPoolSize int `yaml:"client_socket_worker_pool_size"`

	// StaticPrivateKey is a hex Curve25519 secret. Empty generates a fresh key.
	StaticPrivateKey string `yaml:"static_private_key"`
	// TrustedPeerKeys lists hex public keys accepted by the encrypted mode.
	TrustedPeerKeys []string `yaml:"trusted_peer_keys"`

	LogLevel string `yaml:"log_level"`
}

// NewOptions returns the default settings.
func NewOptions() *Options {
	return &Options{
		Mode:                       address.ModeTCP,
		Hostname:                   "127.0.0.1",
		Port:                       0,
		SystemName:                 "default",
		ConnectionTimeout:          15 * time.Second,
		Backlog:                    4096,
		ServerSocketWorkerPoolSize: 8,
		ClientSocketWorkerPoolSize: 8,
		LogLevel:                   "info",
	}
}

// Validate checks every setting and returns the first problem found.
func (o *Options) Validate() error {
	switch o.Mode {
	case address.ModeTCP, address.ModeUDP:
	default:
		return &ConfigError{Field: "mode", Reason: fmt.Sprintf("unknown transport mode %q", o.Mode)}
	}
	if o.EncryptionEnabled && o.Mode == address.ModeUDP {
		return &ConfigError{Field: "encryption_enabled", Reason: "encryption is not supported in udp mode"}
	}
	if o.Port < 0 || o.Port > 65535 {
		return &ConfigError{Field: "port", Reason: fmt.Sprintf("port %d out of range", o.Port)}
	}
	if o.SystemName == "" {
		return &ConfigError{Field: "system_name", Reason: "must not be empty"}
	}
	if o.ConnectionTimeout <= 0 {
		return &ConfigError{Field: "connection_timeout", Reason: "must be positive"}
	}

	sizes := []struct {
		field string
		value int
	}{
		{"send_buffer_size", o.SendBufferSize},
		{"receive_buffer_size", o.ReceiveBufferSize},
		{"write_buffer_high_water_mark", o.WriteBufferHighWaterMark},
		{"write_buffer_low_water_mark", o.WriteBufferLowWaterMark},
		{"backlog", o.Backlog},
	}
	for _, s := range sizes {
		if s.value < 0 {
			return &ConfigError{Field: s.field, Reason: "must be unset or a positive byte count"}
		}
	}
	if o.WriteBufferHighWaterMark > 0 && o.WriteBufferLowWaterMark > o.WriteBufferHighWaterMark {
		return &ConfigError{Field: "write_buffer_low_water_mark", Reason: "exceeds the high water mark"}
	}

	if o.ServerSocketWorkerPoolSize < 1 {
		return &ConfigError{Field: "server_socket_worker_pool_size", Reason: "must be at least 1"}
	}
	if o.ClientSocketWorkerPoolSize < 1 {
		return &ConfigError{Field: "client_socket_worker_pool_size", Reason: "must be at least 1"}
	}

	if o.StaticPrivateKey != "" {
		if _, err := crypto.FromHex(o.StaticPrivateKey); err != nil {
			return &ConfigError{Field: "static_private_key", Reason: err.Error()}
		}
	}
	if _, err := o.TrustedKeys(); err != nil {
		return err
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			return &ConfigError{Field: "log_level", Reason: err.Error()}
		}
	}
	return nil
}

// Scheme returns the address scheme the options select.
func (o *Options) Scheme() string {
	return address.Scheme(o.Mode, o.EncryptionEnabled)
}

// StaticKeyPair returns the configured key pair, or a fresh one when none is set.
func (o *Options) StaticKeyPair() (*crypto.KeyPair, error) {
	if o.StaticPrivateKey == "" {
		return crypto.GenerateKeyPair()
	}
	kp, err := crypto.FromHex(o.StaticPrivateKey)
	if err != nil {
		return nil, &ConfigError{Field: "static_private_key", Reason: err.Error()}
	}
	return kp, nil
}

// TrustedKeys decodes TrustedPeerKeys.
func (o *Options) TrustedKeys() ([][32]byte, error) {
	if len(o.TrustedPeerKeys) == 0 {
		return nil, nil
	}
	keys := make([][32]byte, 0, len(o.TrustedPeerKeys))
	for i, s := range o.TrustedPeerKeys {
		k, err := crypto.ParseKey(s)
		if err != nil {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("trusted_peer_keys[%d]", i),
				Reason: err.Error(),
			}
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Load reads options from a YAML file on top of the defaults.
// A missing file yields the defaults with no error.
func Load(path string) (*Options, error) {
	opts := NewOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     path,
			}).Debug("Config file not found, using defaults")
			return opts, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, path, err)
	}
	return opts, nil
}
