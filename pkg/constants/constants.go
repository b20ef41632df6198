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

package constants

import "time"

const (
	// DefaultAppVersion is used for local builds without -ldflags; sentry stays disabled for it.
	DefaultAppVersion = "0.0.0-dev"

	DefaultDevelopmentEnvironment = "development"
	DefaultProductionEnvironment  = "production"
)

// Process defaults, matching what the DAQ layer assumes when a property is omitted.
const (
	MinAliveInterval       = time.Second
	DefaultMaxMessageSize  = 100
	DefaultMaxMessageDelay = time.Second
)

const (
	// EntityLockTimeout bounds how long an element waits for an entity lock
	// when the batch context carries no deadline of its own.
	EntityLockTimeout = 30 * time.Second

	// StoreCallTimeout bounds a single persistence call once an element is applying.
	StoreCallTimeout = 10 * time.Second

	// FleetCallTimeout bounds a single subscribe/unsubscribe against the broker.
	FleetCallTimeout = 5 * time.Second
)

const (
	DefaultAPIPort     = 8080
	DefaultMetricsPort = 2112
	DefaultHealthPort  = 8086

	DefaultMQTTTopicPrefix = "umh/daq"
	DefaultMQTTClientID    = "topology-core"

	// DefaultBatchTimeout caps a whole configuration batch submitted over HTTP.
	DefaultBatchTimeout = 5 * time.Minute
)
