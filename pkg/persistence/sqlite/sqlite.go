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

// Package sqlite is a persistence.Gateway on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
)

//go:embed schema.sql
var schema string

type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ persistence.Gateway = (*Store)(nil)

// NewStore opens (or creates) the database at dbPath and applies the schema.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

func translate(err error, what string, id int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", persistence.ErrNotFound, what, id)
	}

	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %s %d: %v", persistence.ErrConflict, what, id, err)
	}

	return fmt.Errorf("%s %d: %w", what, id, err)
}

func (s *Store) exec(ctx context.Context, what string, id int64, mustAffect bool, query string, args ...interface{}) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return translate(err, what, id)
	}
	if !mustAffect {
		return nil
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s %d", persistence.ErrNotFound, what, id)
	}

	return nil
}

func (s *Store) InsertProcess(ctx context.Context, p *models.Process) error {
	return s.exec(ctx, "process", p.ID, false,
		`INSERT INTO process (id, name, description, alive_tag_id, state_tag_id, alive_interval_ms, max_message_size, max_message_delay_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.AliveTagID, p.StateTagID,
		p.AliveInterval.Milliseconds(), p.MaxMessageSize, p.MaxMessageDelay.Milliseconds())
}

func (s *Store) UpdateProcess(ctx context.Context, p *models.Process) error {
	return s.exec(ctx, "process", p.ID, true,
		`UPDATE process SET description = ?, alive_tag_id = ?, alive_interval_ms = ?, max_message_size = ?, max_message_delay_ms = ?
		 WHERE id = ?`,
		p.Description, p.AliveTagID, p.AliveInterval.Milliseconds(), p.MaxMessageSize, p.MaxMessageDelay.Milliseconds(), p.ID)
}

func (s *Store) DeleteProcess(ctx context.Context, id int64) error {
	return s.exec(ctx, "process", id, true, `DELETE FROM process WHERE id = ?`, id)
}

const processColumns = `id, name, description, alive_tag_id, state_tag_id, alive_interval_ms, max_message_size, max_message_delay_ms`

func scanProcess(row interface{ Scan(...interface{}) error }) (*models.Process, error) {
	var (
		p                 models.Process
		intervalMs, delay int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.AliveTagID, &p.StateTagID, &intervalMs, &p.MaxMessageSize, &delay); err != nil {
		return nil, err
	}
	p.AliveInterval = time.Duration(intervalMs) * time.Millisecond
	p.MaxMessageDelay = time.Duration(delay) * time.Millisecond
	p.EquipmentIDs = models.NewIDSet()

	return &p, nil
}

func (s *Store) GetProcess(ctx context.Context, id int64) (*models.Process, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	p, err := scanProcess(s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM process WHERE id = ?`, id))
	if err != nil {
		return nil, translate(err, "process", id)
	}

	return p, nil
}

func (s *Store) ListProcesses(ctx context.Context) ([]*models.Process, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+processColumns+` FROM process ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		out = append(out, p)
	}

	return out, rows.Err()
}

func (s *Store) InsertEquipment(ctx context.Context, e *models.Equipment) error {
	return s.exec(ctx, "equipment", e.ID, false,
		`INSERT INTO equipment (id, name, description, process_id, address, comm_fault_tag_id) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Description, e.ProcessID, e.Address, e.CommFaultTagID)
}

func (s *Store) UpdateEquipment(ctx context.Context, e *models.Equipment) error {
	return s.exec(ctx, "equipment", e.ID, true,
		`UPDATE equipment SET name = ?, description = ?, address = ? WHERE id = ?`,
		e.Name, e.Description, e.Address, e.ID)
}

func (s *Store) DeleteEquipment(ctx context.Context, id int64) error {
	return s.exec(ctx, "equipment", id, true, `DELETE FROM equipment WHERE id = ?`, id)
}

const equipmentColumns = `id, name, description, process_id, address, comm_fault_tag_id`

func scanEquipment(row interface{ Scan(...interface{}) error }) (*models.Equipment, error) {
	var e models.Equipment
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.ProcessID, &e.Address, &e.CommFaultTagID); err != nil {
		return nil, err
	}
	e.TagIDs = models.NewIDSet()

	return &e, nil
}

func (s *Store) GetEquipment(ctx context.Context, id int64) (*models.Equipment, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	e, err := scanEquipment(s.db.QueryRowContext(ctx, `SELECT `+equipmentColumns+` FROM equipment WHERE id = ?`, id))
	if err != nil {
		return nil, translate(err, "equipment", id)
	}

	return e, nil
}

func (s *Store) ListEquipment(ctx context.Context) ([]*models.Equipment, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+equipmentColumns+` FROM equipment ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list equipment: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Equipment
	for rows.Next() {
		e, err := scanEquipment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan equipment: %w", err)
		}
		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *Store) InsertControlTag(ctx context.Context, t *models.ControlTag) error {
	return s.exec(ctx, "control tag", t.ID, false,
		`INSERT INTO control_tag (id, name, description, kind, owner_id, data_type) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.TagKind), t.OwnerID, t.DataType)
}

func (s *Store) UpdateControlTag(ctx context.Context, t *models.ControlTag) error {
	return s.exec(ctx, "control tag", t.ID, true,
		`UPDATE control_tag SET name = ?, description = ?, data_type = ? WHERE id = ?`,
		t.Name, t.Description, t.DataType, t.ID)
}

func (s *Store) DeleteControlTag(ctx context.Context, id int64) error {
	return s.exec(ctx, "control tag", id, true, `DELETE FROM control_tag WHERE id = ?`, id)
}

const tagColumns = `id, name, description, kind, owner_id, data_type`

func scanTag(row interface{ Scan(...interface{}) error }) (*models.ControlTag, error) {
	var (
		t    models.ControlTag
		kind string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &kind, &t.OwnerID, &t.DataType); err != nil {
		return nil, err
	}
	t.TagKind = models.TagKind(kind)

	return &t, nil
}

func (s *Store) GetControlTag(ctx context.Context, id int64) (*models.ControlTag, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	t, err := scanTag(s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM control_tag WHERE id = ?`, id))
	if err != nil {
		return nil, translate(err, "control tag", id)
	}

	return t, nil
}

func (s *Store) ListControlTags(ctx context.Context) ([]*models.ControlTag, error) {
	if s.closed.Load() {
		return nil, persistence.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+tagColumns+` FROM control_tag ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list control tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.ControlTag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan control tag: %w", err)
		}
		out = append(out, t)
	}

	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return persistence.ErrClosed
	}

	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("store already closed")
	}

	return s.db.Close()
}
