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

package fleet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// TagUpdate is one value reported by a process.
type TagUpdate struct {
	TagID       int64       `json:"tagId"`
	Value       interface{} `json:"value"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// Time returns the update timestamp, or now when the process sent none.
func (u TagUpdate) Time() time.Time {
	if u.TimestampMs == 0 {
		return time.Now()
	}

	return time.UnixMilli(u.TimestampMs)
}

// DecodeUpdates accepts a single update object or an array of them.
func DecodeUpdates(payload []byte) ([]TagUpdate, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	var updates []TagUpdate
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &updates); err != nil {
			return nil, fmt.Errorf("failed to decode tag updates: %w", err)
		}
	} else {
		var u TagUpdate
		if err := json.Unmarshal(trimmed, &u); err != nil {
			return nil, fmt.Errorf("failed to decode tag update: %w", err)
		}
		updates = append(updates, u)
	}

	for _, u := range updates {
		if u.TagID <= 0 {
			return nil, fmt.Errorf("tag update without a valid tagId: %d", u.TagID)
		}
	}

	return updates, nil
}

// ProcessTopic is the wildcard topic carrying every message of a process.
func ProcessTopic(prefix, processName string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + sanitize(processName) + "/#"
}

// sanitize strips the MQTT wildcard and separator characters from a topic level.
func sanitize(level string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(level)
}
