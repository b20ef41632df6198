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
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rung/go-safecast"
)

var (
	// ErrInvalidProperty is returned for malformed, missing or unknown properties.
	ErrInvalidProperty = errors.New("invalid property")
)

// Property keys understood by the entity builders.
const (
	PropID              = "id"
	PropName            = "name"
	PropDescription     = "description"
	PropAliveTagID      = "aliveTagId"
	PropStateTagID      = "stateTagId"
	PropAliveInterval   = "aliveInterval"
	PropMaxMessageSize  = "maxMessageSize"
	PropMaxMessageDelay = "maxMessageDelay"
	PropProcessID       = "processId"
	PropAddress         = "address"
	PropCommFaultTagID  = "commFaultTagId"
	PropKind            = "kind"
	PropOwnerID         = "ownerId"
	PropDataType        = "dataType"
)

// Properties carries the string key/value pairs of a configuration element.
type Properties map[string]string

// Has reports whether any of the keys is present.
func (p Properties) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := p[k]; ok {
			return true
		}
	}

	return false
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// checkKnown fails on any key that is not in allowed.
func (p Properties) checkKnown(allowed ...string) error {
	for _, k := range p.Keys() {
		known := false
		for _, a := range allowed {
			if k == a {
				known = true

				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown property %q", ErrInvalidProperty, k)
		}
	}

	return nil
}

func (p Properties) requireString(key string) (string, error) {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: missing required property %q", ErrInvalidProperty, key)
	}

	return strings.TrimSpace(v), nil
}

func (p Properties) requireID(key string) (int64, error) {
	v, err := p.requireString(key)
	if err != nil {
		return 0, err
	}

	return parseID(key, v)
}

func (p Properties) optionalID(key string) (int64, bool, error) {
	v, ok := p[key]
	if !ok || strings.TrimSpace(v) == "" {
		return 0, false, nil
	}
	id, err := parseID(key, v)

	return id, err == nil, err
}

func (p Properties) optionalInt(key string, fallback int) (int, error) {
	v, ok := p[key]
	if !ok {
		return fallback, nil
	}
	n, err := safecast.Atoi32(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q must be a positive 32-bit integer, got %q", ErrInvalidProperty, key, v)
	}

	return int(n), nil
}

// millis parses a millisecond duration property.
func (p Properties) millis(key string, required bool, fallback time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("%w: missing required property %q", ErrInvalidProperty, key)
		}

		return fallback, nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: %q must be a positive number of milliseconds, got %q", ErrInvalidProperty, key, v)
	}

	return time.Duration(ms) * time.Millisecond, nil
}

func parseID(key, v string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q must be a positive id, got %q", ErrInvalidProperty, key, v)
	}

	return id, nil
}

// ImmutableProperties lists the keys an Update of the kind must never carry.
func ImmutableProperties(kind EntityKind) []string {
	switch kind {
	case KindProcess:
		return []string{PropID, PropName, PropStateTagID}
	case KindEquipment:
		return []string{PropID, PropProcessID, PropCommFaultTagID}
	case KindControlTag:
		return []string{PropID, PropKind, PropOwnerID}
	default:
		return []string{PropID}
	}
}

// Change describes the fields an update actually touched.
type Change struct {
	EntityID int64
	Kind     EntityKind
	Fields   []string
}

func (c *Change) touch(field string) {
	c.Fields = append(c.Fields, field)
}

// Empty is true when the update did not alter anything.
func (c Change) Empty() bool {
	return len(c.Fields) == 0
}
