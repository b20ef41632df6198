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
	"strings"
	"time"
)

// TagKind distinguishes the special control tags from generic measurements.
type TagKind string

const (
	TagAlive     TagKind = "alive"
	TagState     TagKind = "state"
	TagCommFault TagKind = "commfault"
	TagGeneric   TagKind = "generic"
)

func ParseTagKind(s string) (TagKind, error) {
	switch k := TagKind(strings.ToLower(strings.TrimSpace(s))); k {
	case TagAlive, TagState, TagCommFault, TagGeneric:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown control tag kind %q", ErrInvalidProperty, s)
	}
}

// OwnedByProcess is true for the alive and state tags.
func (k TagKind) OwnedByProcess() bool {
	return k == TagAlive || k == TagState
}

// Dedicated tags live and die with their owner and are never created or
// removed on their own.
func (k TagKind) Dedicated() bool {
	return k == TagAlive || k == TagState || k == TagCommFault
}

// ControlTag is a signal attached to a process or to equipment. Value and
// Timestamp are live data and never persisted.
type ControlTag struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TagKind     TagKind     `json:"kind"`
	OwnerID     int64       `json:"ownerId"`
	DataType    string      `json:"dataType,omitempty"`
	Value       interface{} `json:"value,omitempty"`
	Timestamp   time.Time   `json:"timestamp,omitempty"`
}

func (t *ControlTag) GetID() int64     { return t.ID }
func (t *ControlTag) Kind() EntityKind { return KindControlTag }

// NewControlTag builds a generic or commfault tag from creation properties.
func NewControlTag(id int64, props Properties) (*ControlTag, error) {
	if err := props.checkKnown(PropID, PropName, PropDescription, PropKind, PropOwnerID, PropDataType); err != nil {
		return nil, err
	}

	if err := checkIDProperty(id, props); err != nil {
		return nil, err
	}

	t := &ControlTag{ID: id, Description: props[PropDescription], DataType: props[PropDataType]}

	var err error
	if t.Name, err = props.requireString(PropName); err != nil {
		return nil, err
	}
	kind, err := props.requireString(PropKind)
	if err != nil {
		return nil, err
	}
	if t.TagKind, err = ParseTagKind(kind); err != nil {
		return nil, err
	}
	if t.OwnerID, err = props.requireID(PropOwnerID); err != nil {
		return nil, err
	}
	if t.OwnerID == id {
		return nil, fmt.Errorf("%w: control tag %d cannot own itself", ErrInvalidProperty, id)
	}

	return t, nil
}

// NewAliveTag, NewStateTag and NewCommFaultTag build the dedicated tags
// created together with their owner.
func NewAliveTag(p *Process) *ControlTag {
	return &ControlTag{ID: p.AliveTagID, Name: p.Name + ".alive", TagKind: TagAlive, OwnerID: p.ID, DataType: "bool"}
}

func NewStateTag(p *Process) *ControlTag {
	return &ControlTag{ID: p.StateTagID, Name: p.Name + ".state", TagKind: TagState, OwnerID: p.ID, DataType: "int"}
}

func NewCommFaultTag(e *Equipment) *ControlTag {
	return &ControlTag{ID: e.CommFaultTagID, Name: e.Name + ".commfault", TagKind: TagCommFault, OwnerID: e.ID, DataType: "bool"}
}

func (t *ControlTag) ApplyUpdate(props Properties) (Change, error) {
	change := Change{EntityID: t.ID, Kind: KindControlTag}

	if err := props.checkKnown(PropName, PropDescription, PropDataType); err != nil {
		return change, err
	}

	if props.Has(PropName) {
		name, err := props.requireString(PropName)
		if err != nil {
			return change, err
		}
		t.Name = name
		change.touch(PropName)
	}
	if v, ok := props[PropDescription]; ok {
		t.Description = v
		change.touch(PropDescription)
	}
	if v, ok := props[PropDataType]; ok {
		t.DataType = v
		change.touch(PropDataType)
	}

	return change, nil
}
