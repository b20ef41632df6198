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
)

// Action is the kind of change a configuration element requests.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionCreate, ActionUpdate, ActionRemove:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidProperty, s)
	}
}

// ConfigurationElement is a single requested change.
type ConfigurationElement struct {
	Action     Action     `json:"action" yaml:"action"`
	EntityKind EntityKind `json:"entityKind" yaml:"entityKind"`
	EntityID   int64      `json:"entityId" yaml:"entityId"`
	Properties Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Validate checks the envelope only; property contents are checked by the
// entity builders.
func (e ConfigurationElement) Validate() error {
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	if !e.EntityKind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", ErrInvalidProperty, e.EntityKind)
	}
	if e.EntityID <= 0 {
		return fmt.Errorf("%w: entity id must be positive, got %d", ErrInvalidProperty, e.EntityID)
	}

	return nil
}

// Configuration is an ordered batch of elements submitted together.
type Configuration struct {
	Name     string                 `json:"name" yaml:"name"`
	User     string                 `json:"user,omitempty" yaml:"user,omitempty"`
	Elements []ConfigurationElement `json:"elements" yaml:"elements"`
}
