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

// Package memory is an in-process persistence.Gateway. It backs tests and
// the STORE_BACKEND=memory mode and supports fault injection.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
)

// Operation names used by fault hooks.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// FaultFunc may return an error to make the matching call fail before it
// touches any data.
type FaultFunc func(op string, kind models.EntityKind, id int64) error

type Store struct {
	mu        sync.RWMutex
	processes map[int64]*models.Process
	equipment map[int64]*models.Equipment
	tags      map[int64]*models.ControlTag
	fault     FaultFunc
	closed    bool
}

var _ persistence.Gateway = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		processes: make(map[int64]*models.Process),
		equipment: make(map[int64]*models.Equipment),
		tags:      make(map[int64]*models.ControlTag),
	}
}

// SetFault installs (or with nil, clears) the fault hook.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fault = fn
}

// FailOn returns a FaultFunc failing exactly the given operation on id.
func FailOn(op string, id int64, err error) FaultFunc {
	return func(o string, _ models.EntityKind, i int64) error {
		if o == op && i == id {
			return err
		}

		return nil
	}
}

// precheck must be called with mu held.
func (s *Store) precheck(op string, kind models.EntityKind, id int64) error {
	if s.closed {
		return persistence.ErrClosed
	}
	if s.fault != nil {
		if err := s.fault(op, kind, id); err != nil {
			return fmt.Errorf("failed to %s %s %d: %w", op, kind, id, err)
		}
	}

	return nil
}

func (s *Store) InsertProcess(_ context.Context, p *models.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpInsert, models.KindProcess, p.ID); err != nil {
		return err
	}
	if _, ok := s.processes[p.ID]; ok {
		return fmt.Errorf("%w: process %d", persistence.ErrConflict, p.ID)
	}
	row, err := processRow(p)
	if err != nil {
		return err
	}
	s.processes[p.ID] = row

	return nil
}

func (s *Store) UpdateProcess(_ context.Context, p *models.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpUpdate, models.KindProcess, p.ID); err != nil {
		return err
	}
	if _, ok := s.processes[p.ID]; !ok {
		return fmt.Errorf("%w: process %d", persistence.ErrNotFound, p.ID)
	}
	row, err := processRow(p)
	if err != nil {
		return err
	}
	s.processes[p.ID] = row

	return nil
}

func (s *Store) DeleteProcess(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpDelete, models.KindProcess, id); err != nil {
		return err
	}
	if _, ok := s.processes[id]; !ok {
		return fmt.Errorf("%w: process %d", persistence.ErrNotFound, id)
	}
	delete(s.processes, id)

	return nil
}

func (s *Store) GetProcess(_ context.Context, id int64) (*models.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	p, ok := s.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: process %d", persistence.ErrNotFound, id)
	}

	return p.Clone()
}

func (s *Store) ListProcesses(_ context.Context) ([]*models.Process, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	out := make([]*models.Process, 0, len(s.processes))
	for _, id := range sortedKeys(s.processes) {
		p, err := s.processes[id].Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	return out, nil
}

func (s *Store) InsertEquipment(_ context.Context, e *models.Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpInsert, models.KindEquipment, e.ID); err != nil {
		return err
	}
	if _, ok := s.equipment[e.ID]; ok {
		return fmt.Errorf("%w: equipment %d", persistence.ErrConflict, e.ID)
	}
	row, err := equipmentRow(e)
	if err != nil {
		return err
	}
	s.equipment[e.ID] = row

	return nil
}

func (s *Store) UpdateEquipment(_ context.Context, e *models.Equipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpUpdate, models.KindEquipment, e.ID); err != nil {
		return err
	}
	if _, ok := s.equipment[e.ID]; !ok {
		return fmt.Errorf("%w: equipment %d", persistence.ErrNotFound, e.ID)
	}
	row, err := equipmentRow(e)
	if err != nil {
		return err
	}
	s.equipment[e.ID] = row

	return nil
}

func (s *Store) DeleteEquipment(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpDelete, models.KindEquipment, id); err != nil {
		return err
	}
	if _, ok := s.equipment[id]; !ok {
		return fmt.Errorf("%w: equipment %d", persistence.ErrNotFound, id)
	}
	delete(s.equipment, id)

	return nil
}

func (s *Store) GetEquipment(_ context.Context, id int64) (*models.Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	e, ok := s.equipment[id]
	if !ok {
		return nil, fmt.Errorf("%w: equipment %d", persistence.ErrNotFound, id)
	}

	return e.Clone()
}

func (s *Store) ListEquipment(_ context.Context) ([]*models.Equipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	out := make([]*models.Equipment, 0, len(s.equipment))
	for _, id := range sortedKeys(s.equipment) {
		e, err := s.equipment[id].Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}

	return out, nil
}

func (s *Store) InsertControlTag(_ context.Context, t *models.ControlTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpInsert, models.KindControlTag, t.ID); err != nil {
		return err
	}
	if _, ok := s.tags[t.ID]; ok {
		return fmt.Errorf("%w: control tag %d", persistence.ErrConflict, t.ID)
	}
	row, err := tagRow(t)
	if err != nil {
		return err
	}
	s.tags[t.ID] = row

	return nil
}

func (s *Store) UpdateControlTag(_ context.Context, t *models.ControlTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpUpdate, models.KindControlTag, t.ID); err != nil {
		return err
	}
	if _, ok := s.tags[t.ID]; !ok {
		return fmt.Errorf("%w: control tag %d", persistence.ErrNotFound, t.ID)
	}
	row, err := tagRow(t)
	if err != nil {
		return err
	}
	s.tags[t.ID] = row

	return nil
}

func (s *Store) DeleteControlTag(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.precheck(OpDelete, models.KindControlTag, id); err != nil {
		return err
	}
	if _, ok := s.tags[id]; !ok {
		return fmt.Errorf("%w: control tag %d", persistence.ErrNotFound, id)
	}
	delete(s.tags, id)

	return nil
}

func (s *Store) GetControlTag(_ context.Context, id int64) (*models.ControlTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	t, ok := s.tags[id]
	if !ok {
		return nil, fmt.Errorf("%w: control tag %d", persistence.ErrNotFound, id)
	}

	return t.Clone()
}

func (s *Store) ListControlTags(_ context.Context) ([]*models.ControlTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}
	out := make([]*models.ControlTag, 0, len(s.tags))
	for _, id := range sortedKeys(s.tags) {
		t, err := s.tags[id].Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	return out, nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.ErrClosed
	}

	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}
	s.closed = true

	return nil
}

// Rows mirror what a SQL backend keeps: no derived sets and no live values.

func processRow(p *models.Process) (*models.Process, error) {
	row, err := p.Clone()
	if err != nil {
		return nil, err
	}
	row.EquipmentIDs = models.NewIDSet()

	return row, nil
}

func equipmentRow(e *models.Equipment) (*models.Equipment, error) {
	row, err := e.Clone()
	if err != nil {
		return nil, err
	}
	row.TagIDs = models.NewIDSet()

	return row, nil
}

func tagRow(t *models.ControlTag) (*models.ControlTag, error) {
	row, err := t.Clone()
	if err != nil {
		return nil, err
	}
	row.Value = nil
	row.Timestamp = time.Time{}

	return row, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}
