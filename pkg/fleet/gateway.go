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

// Package fleet connects the server to the data-acquisition processes.
//
// The orchestrator subscribes a process when it is created and unsubscribes it
// when it is removed. Traffic in the other direction (heartbeats and tag
// values) is pushed into the sinks given to the gateway; the gateway never
// calls the orchestrator's configuration API.
package fleet

import (
	"context"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// Gateway subscribes and unsubscribes process channels. Both calls are
// idempotent.
type Gateway interface {
	Subscribe(ctx context.Context, p *models.Process) error
	Unsubscribe(ctx context.Context, p *models.Process) error
}

// HeartbeatSink receives alive-tag updates. It returns false when the tag is
// not an alive tag of a watched process.
type HeartbeatSink interface {
	Heartbeat(aliveTagID int64, ts time.Time) bool
}

// TagValueSink receives every other tag update.
type TagValueSink interface {
	ApplyTagValue(ctx context.Context, tagID int64, value interface{}, ts time.Time) error
}

// Nop is a Gateway for deployments without a broker.
type Nop struct{}

func (Nop) Subscribe(context.Context, *models.Process) error   { return nil }
func (Nop) Unsubscribe(context.Context, *models.Process) error { return nil }
