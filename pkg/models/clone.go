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

	"github.com/tiendc/go-deepcopy"
)

// Clone returns a deep copy of p, including its equipment set.
func (p *Process) Clone() (*Process, error) {
	var c Process
	if err := deepcopy.Copy(&c, p); err != nil {
		return nil, fmt.Errorf("failed to clone process %d: %w", p.ID, err)
	}
	if c.EquipmentIDs == nil {
		c.EquipmentIDs = NewIDSet()
	}

	return &c, nil
}

func (e *Equipment) Clone() (*Equipment, error) {
	var c Equipment
	if err := deepcopy.Copy(&c, e); err != nil {
		return nil, fmt.Errorf("failed to clone equipment %d: %w", e.ID, err)
	}
	if c.TagIDs == nil {
		c.TagIDs = NewIDSet()
	}

	return &c, nil
}

// Clone copies t. A tag holds no reference fields apart from its live value,
// which is shared as-is.
func (t *ControlTag) Clone() (*ControlTag, error) {
	c := *t

	return &c, nil
}

// CloneEntity clones any of the three entity kinds.
func CloneEntity(e Entity) (Entity, error) {
	switch v := e.(type) {
	case *Process:
		return v.Clone()
	case *Equipment:
		return v.Clone()
	case *ControlTag:
		return v.Clone()
	default:
		return nil, fmt.Errorf("cannot clone %T", e)
	}
}
