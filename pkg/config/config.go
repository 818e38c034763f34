// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for stomp-go,
// including preseeded user credentials and the optional history and bridge
// integrations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/turtacn/stomp-go/pkg/auth"
	"github.com/turtacn/stomp-go/pkg/protocol/stomp"
	stomptls "github.com/turtacn/stomp-go/pkg/tls"
)

// History sink names.
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkMySQL    = "mysql"
	SinkKafka    = "kafka"
)

// UserConfig represents a preseeded user. Either Password or PasswordHash is
// set; a plain Password is hashed with Algorithm at startup.
type UserConfig struct {
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"`
	Salt         string `yaml:"salt,omitempty" json:"salt,omitempty"`
	Algorithm    string `yaml:"algorithm" json:"algorithm"`
}

// AuthConfig represents the authentication configuration
type AuthConfig struct {
	// Algorithm hashes the secrets of users registered on first login.
	Algorithm  string       `yaml:"algorithm" json:"algorithm"`
	BcryptCost int          `yaml:"bcrypt_cost,omitempty" json:"bcrypt_cost,omitempty"`
	Users      []UserConfig `yaml:"users" json:"users"`
}

// HistoryConfig configures the login/logout history recorder.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Sink    string `yaml:"sink" json:"sink"`
	// URL is the PostgreSQL or MySQL DSN, the Redis URL/address or a comma-separated
	// list of Kafka brokers.
	URL       string `yaml:"url,omitempty" json:"url,omitempty"`
	Table     string `yaml:"table,omitempty" json:"table,omitempty"`
	Stream    string `yaml:"stream,omitempty" json:"stream,omitempty"`
	Topic     string `yaml:"topic,omitempty" json:"topic,omitempty"`
	MaxLen    int64  `yaml:"max_len,omitempty" json:"max_len,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// BridgeConfig configures forwarding of published messages to MQTT.
type BridgeConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	BrokerURL        string `yaml:"broker_url" json:"broker_url"`
	ClientID         string `yaml:"client_id" json:"client_id"`
	Username         string `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string `yaml:"password,omitempty" json:"password,omitempty"`
	QoS              byte   `yaml:"qos" json:"qos"`
	TopicPrefix      string `yaml:"topic_prefix" json:"topic_prefix"`
	QueueSize        int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	FailureThreshold uint32 `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
}

// BrokerConfig represents the overall broker configuration
type BrokerConfig struct {
	NodeID       string        `yaml:"node_id" json:"node_id"`
	StompAddr    string        `yaml:"stomp_addr" json:"stomp_addr"`
	WSAddr       string        `yaml:"ws_addr,omitempty" json:"ws_addr,omitempty"`
	WSPath       string        `yaml:"ws_path,omitempty" json:"ws_path,omitempty"`
	AdminAddr    string        `yaml:"admin_addr,omitempty" json:"admin_addr,omitempty"`
	GRPCAddr     string        `yaml:"grpc_addr,omitempty" json:"grpc_addr,omitempty"`
	MaxFrameSize int           `yaml:"max_frame_size" json:"max_frame_size"`
	LogLevel     string        `yaml:"log_level" json:"log_level"`
	Auth         AuthConfig    `yaml:"auth" json:"auth"`
	History      HistoryConfig `yaml:"history" json:"history"`
	Bridge       BridgeConfig  `yaml:"bridge" json:"bridge"`

	TLS stomptls.TLSConfig `yaml:"tls" json:"tls"`
}

// Config holds the complete configuration
type Config struct {
	Broker BrokerConfig `yaml:"broker" json:"broker"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:       "stomp-go-node",
			StompAddr:    ":7777",
			WSPath:       "/stomp",
			AdminAddr:    ":8082",
			GRPCAddr:     ":8081",
			MaxFrameSize: stomp.DefaultMaxFrameSize,
			LogLevel:     "info",
			Auth: AuthConfig{
				Algorithm: string(auth.HashBcrypt),
			},
			History: HistoryConfig{
				Sink: SinkLog,
			},
			Bridge: BridgeConfig{
				ClientID:    "stomp-go-bridge",
				TopicPrefix: "stomp/",
			},
		},
	}
}

// LoadConfig loads configuration from a file. Fields absent from the file
// keep their defaults. An empty path returns DefaultConfig.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	b := &config.Broker
	if b.NodeID == "" {
		return fmt.Errorf("node_id cannot be empty")
	}
	if b.StompAddr == "" {
		return fmt.Errorf("stomp_addr cannot be empty")
	}
	if b.MaxFrameSize < 0 {
		return fmt.Errorf("max_frame_size cannot be negative")
	}
	if b.WSAddr != "" && !strings.HasPrefix(b.WSPath, "/") {
		return fmt.Errorf("ws_path must start with '/'")
	}
	if _, err := zapcore.ParseLevel(b.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := validateAuth(&b.Auth); err != nil {
		return err
	}
	if err := validateHistory(&b.History); err != nil {
		return err
	}
	if err := validateBridge(&b.Bridge); err != nil {
		return err
	}
	return b.TLS.Validate()
}

func validateAuth(a *AuthConfig) error {
	if _, err := auth.ParseAlgorithm(a.Algorithm); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if a.BcryptCost != 0 && (a.BcryptCost < 4 || a.BcryptCost > 31) {
		return fmt.Errorf("auth: bcrypt_cost must be between 4 and 31")
	}

	usernames := make(map[string]bool)
	for i, user := range a.Users {
		if user.Username == "" {
			return fmt.Errorf("user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return fmt.Errorf("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true

		if user.Password == "" && user.PasswordHash == "" {
			return fmt.Errorf("user %s: password or password_hash is required", user.Username)
		}
		if _, err := auth.ParseAlgorithm(user.Algorithm); err != nil {
			return fmt.Errorf("user %s: %w", user.Username, err)
		}
	}
	return nil
}

func validateHistory(h *HistoryConfig) error {
	if !h.Enabled {
		return nil
	}
	switch h.Sink {
	case SinkLog:
	case SinkPostgres, SinkMySQL, SinkRedis, SinkKafka:
		if h.URL == "" {
			return fmt.Errorf("history: url is required for the %s sink", h.Sink)
		}
	default:
		return fmt.Errorf("history: unsupported sink: %s (supported: log, postgres, mysql, redis, kafka)", h.Sink)
	}
	if h.QueueSize < 0 || h.MaxLen < 0 {
		return fmt.Errorf("history: queue_size and max_len cannot be negative")
	}
	return nil
}

func validateBridge(br *BridgeConfig) error {
	if !br.Enabled {
		return nil
	}
	if br.BrokerURL == "" {
		return fmt.Errorf("bridge: broker_url is required")
	}
	if br.QoS > 2 {
		return fmt.Errorf("bridge: qos must be 0, 1 or 2")
	}
	if br.QueueSize < 0 {
		return fmt.Errorf("bridge: queue_size cannot be negative")
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// Hasher returns the hasher for users registered on first login.
func (c *Config) Hasher() (auth.Hasher, error) {
	alg, err := auth.ParseAlgorithm(c.Broker.Auth.Algorithm)
	if err != nil {
		return auth.Hasher{}, err
	}
	return auth.Hasher{Algorithm: alg, BcryptCost: c.Broker.Auth.BcryptCost}, nil
}

// Credential returns the stored credential for the user, hashing a plain
// password when no hash is configured.
func (u UserConfig) Credential(bcryptCost int) (auth.Credential, error) {
	alg, err := auth.ParseAlgorithm(u.Algorithm)
	if err != nil {
		return auth.Credential{}, err
	}
	if u.PasswordHash != "" {
		return auth.Credential{Hash: u.PasswordHash, Salt: u.Salt, Algorithm: alg}, nil
	}
	return auth.Hasher{Algorithm: alg, BcryptCost: bcryptCost}.NewCredential(u.Password)
}

// AddUser adds a new user to the configuration. The password is stored
// hashed.
func (c *Config) AddUser(username, password, algorithm string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	for _, user := range c.Broker.Auth.Users {
		if user.Username == username {
			return fmt.Errorf("user %s already exists", username)
		}
	}
	user, err := c.hashedUser(username, password, algorithm)
	if err != nil {
		return err
	}
	c.Broker.Auth.Users = append(c.Broker.Auth.Users, user)
	return nil
}

// UpdateUser replaces the password of an existing user. An empty algorithm
// keeps the current one.
func (c *Config) UpdateUser(username, password, algorithm string) error {
	for i, user := range c.Broker.Auth.Users {
		if user.Username != username {
			continue
		}
		if algorithm == "" {
			algorithm = user.Algorithm
		}
		updated, err := c.hashedUser(username, password, algorithm)
		if err != nil {
			return err
		}
		c.Broker.Auth.Users[i] = updated
		return nil
	}
	return fmt.Errorf("user %s not found", username)
}

func (c *Config) hashedUser(username, password, algorithm string) (UserConfig, error) {
	if password == "" {
		return UserConfig{}, fmt.Errorf("password cannot be empty")
	}
	alg, err := auth.ParseAlgorithm(algorithm)
	if err != nil {
		return UserConfig{}, err
	}
	cred, err := auth.Hasher{Algorithm: alg, BcryptCost: c.Broker.Auth.BcryptCost}.NewCredential(password)
	if err != nil {
		return UserConfig{}, fmt.Errorf("failed to hash password for %s: %w", username, err)
	}
	return UserConfig{
		Username:     username,
		PasswordHash: cred.Hash,
		Salt:         cred.Salt,
		Algorithm:    string(cred.Algorithm),
	}, nil
}

// RemoveUser removes a user from the configuration
func (c *Config) RemoveUser(username string) error {
	for i, user := range c.Broker.Auth.Users {
		if user.Username == username {
			c.Broker.Auth.Users = append(c.Broker.Auth.Users[:i], c.Broker.Auth.Users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", username)
}

// ListUsers returns all users in the configuration
func (c *Config) ListUsers() []UserConfig {
	return c.Broker.Auth.Users
}
