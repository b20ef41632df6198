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

package models

import (
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/constants"
)

// Process is a data-acquisition agent. Its running state is not stored here:
// it is derived from the alive-timer supervision.
type Process struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	AliveTagID      int64         `json:"aliveTagId"`
	StateTagID      int64         `json:"stateTagId"`
	AliveInterval   time.Duration `json:"aliveInterval"`
	MaxMessageSize  int           `json:"maxMessageSize"`
	MaxMessageDelay time.Duration `json:"maxMessageDelay"`
	EquipmentIDs    IDSet         `json:"equipmentIds"`
}

func (p *Process) GetID() int64     { return p.ID }
func (p *Process) Kind() EntityKind { return KindProcess }

// NewProcess builds a process from creation properties.
func NewProcess(id int64, props Properties) (*Process, error) {
	if err := props.checkKnown(PropID, PropName, PropDescription, PropAliveTagID, PropStateTagID,
		PropAliveInterval, PropMaxMessageSize, PropMaxMessageDelay); err != nil {
		return nil, err
	}

	if err := checkIDProperty(id, props); err != nil {
		return nil, err
	}

	p := &Process{ID: id, Description: props[PropDescription], EquipmentIDs: NewIDSet()}

	var err error
	if p.Name, err = props.requireString(PropName); err != nil {
		return nil, err
	}
	if p.AliveTagID, err = props.requireID(PropAliveTagID); err != nil {
		return nil, err
	}
	if p.StateTagID, err = props.requireID(PropStateTagID); err != nil {
		return nil, err
	}
	if p.AliveTagID == p.StateTagID || p.AliveTagID == id || p.StateTagID == id {
		return nil, fmt.Errorf("%w: process, alive tag and state tag ids must be distinct", ErrInvalidProperty)
	}
	if p.AliveInterval, err = props.millis(PropAliveInterval, true, 0); err != nil {
		return nil, err
	}
	if p.AliveInterval < constants.MinAliveInterval {
		return nil, fmt.Errorf("%w: %q must be at least %s", ErrInvalidProperty, PropAliveInterval, constants.MinAliveInterval)
	}
	if p.MaxMessageSize, err = props.optionalInt(PropMaxMessageSize, constants.DefaultMaxMessageSize); err != nil {
		return nil, err
	}
	if p.MaxMessageDelay, err = props.millis(PropMaxMessageDelay, false, constants.DefaultMaxMessageDelay); err != nil {
		return nil, err
	}

	return p, nil
}

// ApplyUpdate mutates p with the update properties. Callers pass a clone so a
// failed persist never leaves a half-applied object in the cache.
func (p *Process) ApplyUpdate(props Properties) (Change, error) {
	change := Change{EntityID: p.ID, Kind: KindProcess}

	if err := props.checkKnown(PropDescription, PropAliveTagID, PropAliveInterval,
		PropMaxMessageSize, PropMaxMessageDelay); err != nil {
		return change, err
	}

	if v, ok := props[PropDescription]; ok {
		p.Description = v
		change.touch(PropDescription)
	}
	if props.Has(PropAliveTagID) {
		id, err := props.requireID(PropAliveTagID)
		if err != nil {
			return change, err
		}
		if id == p.StateTagID || id == p.ID {
			return change, fmt.Errorf("%w: alive tag id %d collides with the process or its state tag", ErrInvalidProperty, id)
		}
		p.AliveTagID = id
		change.touch(PropAliveTagID)
	}
	if props.Has(PropAliveInterval) {
		d, err := props.millis(PropAliveInterval, true, 0)
		if err != nil {
			return change, err
		}
		if d < constants.MinAliveInterval {
			return change, fmt.Errorf("%w: %q must be at least %s", ErrInvalidProperty, PropAliveInterval, constants.MinAliveInterval)
		}
		p.AliveInterval = d
		change.touch(PropAliveInterval)
	}
	if props.Has(PropMaxMessageSize) {
		n, err := props.optionalInt(PropMaxMessageSize, p.MaxMessageSize)
		if err != nil {
			return change, err
		}
		p.MaxMessageSize = n
		change.touch(PropMaxMessageSize)
	}
	if props.Has(PropMaxMessageDelay) {
		d, err := props.millis(PropMaxMessageDelay, true, 0)
		if err != nil {
			return change, err
		}
		p.MaxMessageDelay = d
		change.touch(PropMaxMessageDelay)
	}

	return change, nil
}

// TouchesSupervision reports whether an update must restart the alive timer.
func TouchesSupervision(props Properties) bool {
	return props.Has(PropAliveInterval, PropAliveTagID)
}

// checkIDProperty accepts an "id" property only when it repeats the element id.
func checkIDProperty(id int64, props Properties) error {
	if id <= 0 {
		return fmt.Errorf("%w: entity id must be positive, got %d", ErrInvalidProperty, id)
	}
	if !props.Has(PropID) {
		return nil
	}
	v, err := props.requireID(PropID)
	if err != nil {
		return err
	}
	if v != id {
		return fmt.Errorf("%w: id property %d does not match element id %d", ErrInvalidProperty, v, id)
	}

	return nil
}
