// Copyright 2025 UMH Systems GmbH
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

// Package config reads the runtime configuration from the environment and
// the optional bootstrap batch from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/constants"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/fleet"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/postgresql"
)

// Store backends selectable through STORE_BACKEND.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendPostgreSQL = "postgresql"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	StoreBackend string
	SQLitePath   string
	Postgres     postgresql.Config

	// MQTT.BrokerURL empty means no broker: subscriptions become no-ops.
	MQTT fleet.MQTTConfig

	APIPort     int
	MetricsPort int
	HealthPort  int

	MaxParallel                int
	AllowRunningProcessRemoval bool
	BatchTimeout               time.Duration

	BootstrapFile string
	SentryDSN     string

	// GoroutineTrace mounts fgtrace on the metrics server.
	GoroutineTrace bool
}

// Load reads every setting from the environment, applying defaults for the
// optional ones.
func Load() (Config, error) {
	var (
		cfg Config
		err error
	)

	if cfg.StoreBackend, err = env.GetAsString("STORE_BACKEND", false, BackendSQLite); err != nil {
		return cfg, err
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendSQLite
	}

	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.SQLitePath, err = env.GetAsString("SQLITE_PATH", false, "/data/topology.db"); err != nil {
			return cfg, err
		}
	case BackendPostgreSQL:
		if cfg.Postgres, err = loadPostgres(); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("%w: unknown STORE_BACKEND %q", ErrInvalidConfig, cfg.StoreBackend)
	}

	if cfg.MQTT, err = loadMQTT(); err != nil {
		return cfg, err
	}

	if cfg.APIPort, err = env.GetAsInt("API_PORT", false, constants.DefaultAPIPort); err != nil {
		return cfg, err
	}
	if cfg.MetricsPort, err = env.GetAsInt("METRICS_PORT", false, constants.DefaultMetricsPort); err != nil {
		return cfg, err
	}
	if cfg.HealthPort, err = env.GetAsInt("HEALTH_PORT", false, constants.DefaultHealthPort); err != nil {
		return cfg, err
	}

	if cfg.MaxParallel, err = env.GetAsInt("CONFIG_MAX_PARALLEL", false, 1); err != nil {
		return cfg, err
	}
	if cfg.MaxParallel < 1 {
		return cfg, fmt.Errorf("%w: CONFIG_MAX_PARALLEL must be at least 1, got %d", ErrInvalidConfig, cfg.MaxParallel)
	}
	if cfg.AllowRunningProcessRemoval, err = env.GetAsBool("ALLOW_RUNNING_PROCESS_REMOVAL", false, false); err != nil {
		return cfg, err
	}
	timeoutSeconds, err := env.GetAsInt("BATCH_TIMEOUT_SECONDS", false, int(constants.DefaultBatchTimeout/time.Second))
	if err != nil {
		return cfg, err
	}
	if timeoutSeconds <= 0 {
		return cfg, fmt.Errorf("%w: BATCH_TIMEOUT_SECONDS must be positive, got %d", ErrInvalidConfig, timeoutSeconds)
	}
	cfg.BatchTimeout = time.Duration(timeoutSeconds) * time.Second

	if cfg.BootstrapFile, err = env.GetAsString("BOOTSTRAP_FILE", false, ""); err != nil {
		return cfg, err
	}
	if cfg.GoroutineTrace, err = env.GetAsBool("DEBUG_ENABLE_FGTRACE", false, false); err != nil {
		return cfg, err
	}
	if cfg.SentryDSN, err = env.GetAsString("SENTRY_DSN", false, ""); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func loadPostgres() (postgresql.Config, error) {
	var (
		pg  postgresql.Config
		err error
	)

	if pg.Host, err = env.GetAsString("POSTGRES_HOST", true, ""); err != nil {
		return pg, err
	}
	if pg.Port, err = env.GetAsInt("POSTGRES_PORT", false, 5432); err != nil {
		return pg, err
	}
	if pg.User, err = env.GetAsString("POSTGRES_USER", true, ""); err != nil {
		return pg, err
	}
	if pg.Password, err = env.GetAsString("POSTGRES_PASSWORD", true, ""); err != nil {
		return pg, err
	}
	if pg.Database, err = env.GetAsString("POSTGRES_DATABASE", false, "topology"); err != nil {
		return pg, err
	}
	if pg.SSLMode, err = env.GetAsString("POSTGRES_SSL_MODE", false, "require"); err != nil {
		return pg, err
	}

	if pg.Host == "" || pg.User == "" {
		return pg, fmt.Errorf("%w: POSTGRES_HOST and POSTGRES_USER must not be empty", ErrInvalidConfig)
	}

	return pg, nil
}

func loadMQTT() (fleet.MQTTConfig, error) {
	var (
		m   fleet.MQTTConfig
		err error
	)

	if m.BrokerURL, err = env.GetAsString("MQTT_BROKER_URL", false, ""); err != nil {
		return m, err
	}
	if m.ClientID, err = env.GetAsString("MQTT_CLIENT_ID", false, constants.DefaultMQTTClientID); err != nil {
		return m, err
	}
	if m.TopicPrefix, err = env.GetAsString("MQTT_TOPIC_PREFIX", false, constants.DefaultMQTTTopicPrefix); err != nil {
		return m, err
	}
	if m.Username, err = env.GetAsString("MQTT_USERNAME", false, ""); err != nil {
		return m, err
	}
	if m.Password, err = env.GetAsString("MQTT_PASSWORD", false, ""); err != nil {
		return m, err
	}
	qos, err := env.GetAsInt("MQTT_QOS", false, 1)
	if err != nil {
		return m, err
	}
	if qos < 0 || qos > 2 {
		return m, fmt.Errorf("%w: MQTT_QOS must be 0, 1 or 2, got %d", ErrInvalidConfig, qos)
	}
	m.QoS = byte(qos)
	if m.ConnectRetries, err = env.GetAsUint64("MQTT_CONNECT_RETRIES", false, 10); err != nil {
		return m, err
	}

	return m, nil
}

// LoadBootstrap parses a configuration batch from a YAML file.
func LoadBootstrap(path string) (models.Configuration, error) {
	var cfg models.Configuration

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read bootstrap file %s: %w", path, err)
	}

	return ParseBootstrap(data)
}

// ParseBootstrap decodes a YAML batch. Every element envelope is validated;
// properties are left to the orchestrator.
func ParseBootstrap(data []byte) (models.Configuration, error) {
	var cfg models.Configuration

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: malformed bootstrap batch: %w", ErrInvalidConfig, err)
	}
	if cfg.Name == "" {
		cfg.Name = "bootstrap"
	}
	for i, el := range cfg.Elements {
		if err := el.Validate(); err != nil {
			return cfg, fmt.Errorf("%w: bootstrap element %d: %w", ErrInvalidConfig, i, err)
		}
	}

	return cfg, nil
}
