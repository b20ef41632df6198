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

// Package models holds the monitored topology: processes (DAQ agents), the
// equipment they host and the control tags attached to both.
//
// Entities are plain data. They carry no lock of their own; the entity cache
// owns one lock per id and every mutation of a cached entity happens while
// that lock is held.
package models

import (
	"sort"
	"strconv"

	"github.com/goccy/go-json"
)

// EntityKind names the three entity kinds of the topology.
type EntityKind string

const (
	KindProcess    EntityKind = "process"
	KindEquipment  EntityKind = "equipment"
	KindControlTag EntityKind = "controltag"
)

// LockLevel is the lock-ordering level of the kind: parents are acquired before children.
func (k EntityKind) LockLevel() int {
	switch k {
	case KindProcess:
		return 1
	case KindEquipment:
		return 2
	default:
		return 3
	}
}

func (k EntityKind) Valid() bool {
	return k == KindProcess || k == KindEquipment || k == KindControlTag
}

// Entity is implemented by every cached object.
type Entity interface {
	GetID() int64
	Kind() EntityKind
}

// IDSet is an unordered set of entity ids. It marshals to a sorted JSON array.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}

	return s
}

func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

func (s IDSet) Remove(id int64) {
	delete(s, id)
}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]

	return ok
}

// Slice returns the ids in ascending order, so cascades are deterministic.
func (s IDSet) Slice() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)

	return nil
}

// FormatID renders an id the way it is used as a cache or topic key.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
