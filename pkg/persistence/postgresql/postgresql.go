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

// Package postgresql is a persistence.Gateway on a pgx connection pool.
package postgresql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
)

//go:embed schema.sql
var schema string

const sqlUniqueViolation = "23505"

// Config holds the connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConnString renders the key/value connection string understood by pgx.
func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// pool is the subset of *pgxpool.Pool the store uses.
type pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	db  pool
	log *zap.SugaredLogger
}

var _ persistence.Gateway = (*Store)(nil)

// NewStore connects, checks availability and applies the schema.
func NewStore(ctx context.Context, cfg Config, log *zap.SugaredLogger) (*Store, error) {
	log.Infof("Connecting to %s@%s:%d/%s [%s]", cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	db, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.Ping(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("database is not available: %w", err)
	}

	if _, err := db.Exec(ctx, schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return s, nil
}

func translate(err error, what string, id int64) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", persistence.ErrNotFound, what, id)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlUniqueViolation {
		return fmt.Errorf("%w: %s %d: %s", persistence.ErrConflict, what, id, pgErr.Message)
	}

	return fmt.Errorf("%s %d: %w", what, id, err)
}

func (s *Store) exec(ctx context.Context, what string, id int64, mustAffect bool, query string, args ...any) error {
	cmdTag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return translate(err, what, id)
	}
	if mustAffect && cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d", persistence.ErrNotFound, what, id)
	}

	return nil
}

func (s *Store) InsertProcess(ctx context.Context, p *models.Process) error {
	return s.exec(ctx, "process", p.ID, false,
		`INSERT INTO process (id, name, description, alive_tag_id, state_tag_id, alive_interval_ms, max_message_size, max_message_delay_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Name, p.Description, p.AliveTagID, p.StateTagID,
		p.AliveInterval.Milliseconds(), p.MaxMessageSize, p.MaxMessageDelay.Milliseconds())
}

func (s *Store) UpdateProcess(ctx context.Context, p *models.Process) error {
	return s.exec(ctx, "process", p.ID, true,
		`UPDATE process SET description = $1, alive_tag_id = $2, alive_interval_ms = $3, max_message_size = $4, max_message_delay_ms = $5
		 WHERE id = $6`,
		p.Description, p.AliveTagID, p.AliveInterval.Milliseconds(), p.MaxMessageSize, p.MaxMessageDelay.Milliseconds(), p.ID)
}

func (s *Store) DeleteProcess(ctx context.Context, id int64) error {
	return s.exec(ctx, "process", id, true, `DELETE FROM process WHERE id = $1`, id)
}

const processColumns = `id, name, description, alive_tag_id, state_tag_id, alive_interval_ms, max_message_size, max_message_delay_ms`

func scanProcess(row pgx.Row) (*models.Process, error) {
	var (
		p                 models.Process
		intervalMs, delay int64
		size              int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.AliveTagID, &p.StateTagID, &intervalMs, &size, &delay); err != nil {
		return nil, err
	}
	p.AliveInterval = time.Duration(intervalMs) * time.Millisecond
	p.MaxMessageDelay = time.Duration(delay) * time.Millisecond
	p.MaxMessageSize = int(size)
	p.EquipmentIDs = models.NewIDSet()

	return &p, nil
}

func (s *Store) GetProcess(ctx context.Context, id int64) (*models.Process, error) {
	p, err := scanProcess(s.db.QueryRow(ctx, `SELECT `+processColumns+` FROM process WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "process", id)
	}

	return p, nil
}

func (s *Store) ListProcesses(ctx context.Context) ([]*models.Process, error) {
	rows, err := s.db.Query(ctx, `SELECT `+processColumns+` FROM process ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

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
		`INSERT INTO equipment (id, name, description, process_id, address, comm_fault_tag_id) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Name, e.Description, e.ProcessID, e.Address, e.CommFaultTagID)
}

func (s *Store) UpdateEquipment(ctx context.Context, e *models.Equipment) error {
	return s.exec(ctx, "equipment", e.ID, true,
		`UPDATE equipment SET name = $1, description = $2, address = $3 WHERE id = $4`,
		e.Name, e.Description, e.Address, e.ID)
}

func (s *Store) DeleteEquipment(ctx context.Context, id int64) error {
	return s.exec(ctx, "equipment", id, true, `DELETE FROM equipment WHERE id = $1`, id)
}

const equipmentColumns = `id, name, description, process_id, address, comm_fault_tag_id`

func scanEquipment(row pgx.Row) (*models.Equipment, error) {
	var e models.Equipment
	if err := row.Scan(&e.ID, &e.Name, &e.Description, &e.ProcessID, &e.Address, &e.CommFaultTagID); err != nil {
		return nil, err
	}
	e.TagIDs = models.NewIDSet()

	return &e, nil
}

func (s *Store) GetEquipment(ctx context.Context, id int64) (*models.Equipment, error) {
	e, err := scanEquipment(s.db.QueryRow(ctx, `SELECT `+equipmentColumns+` FROM equipment WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "equipment", id)
	}

	return e, nil
}

func (s *Store) ListEquipment(ctx context.Context) ([]*models.Equipment, error) {
	rows, err := s.db.Query(ctx, `SELECT `+equipmentColumns+` FROM equipment ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list equipment: %w", err)
	}
	defer rows.Close()

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
		`INSERT INTO control_tag (id, name, description, kind, owner_id, data_type) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Description, string(t.TagKind), t.OwnerID, t.DataType)
}

func (s *Store) UpdateControlTag(ctx context.Context, t *models.ControlTag) error {
	return s.exec(ctx, "control tag", t.ID, true,
		`UPDATE control_tag SET name = $1, description = $2, data_type = $3 WHERE id = $4`,
		t.Name, t.Description, t.DataType, t.ID)
}

func (s *Store) DeleteControlTag(ctx context.Context, id int64) error {
	return s.exec(ctx, "control tag", id, true, `DELETE FROM control_tag WHERE id = $1`, id)
}

const tagColumns = `id, name, description, kind, owner_id, data_type`

func scanTag(row pgx.Row) (*models.ControlTag, error) {
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
	t, err := scanTag(s.db.QueryRow(ctx, `SELECT `+tagColumns+` FROM control_tag WHERE id = $1`, id))
	if err != nil {
		return nil, translate(err, "control tag", id)
	}

	return t, nil
}

func (s *Store) ListControlTags(ctx context.Context) ([]*models.ControlTag, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tagColumns+` FROM control_tag ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list control tags: %w", err)
	}
	defer rows.Close()

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
	if s.db == nil {
		return persistence.ErrClosed
	}
	if err := s.db.Ping(ctx); err != nil {
		s.log.Debugf("Failed to ping database: %s", err)

		return err
	}

	return nil
}

func (s *Store) Close() error {
	s.db.Close()

	return nil
}
