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

import "fmt"

// Equipment is a logical device grouping owned by exactly one process.
type Equipment struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ProcessID      int64  `json:"processId"`
	Address        string `json:"address,omitempty"`
	CommFaultTagID int64  `json:"commFaultTagId,omitempty"`
	TagIDs         IDSet  `json:"tagIds"`
}

func (e *Equipment) GetID() int64     { return e.ID }
func (e *Equipment) Kind() EntityKind { return KindEquipment }

// HasCommFaultTag reports whether the equipment owns a commfault control tag.
func (e *Equipment) HasCommFaultTag() bool {
	return e.CommFaultTagID != 0
}

func NewEquipment(id int64, props Properties) (*Equipment, error) {
	if err := props.checkKnown(PropID, PropName, PropDescription, PropProcessID, PropAddress, PropCommFaultTagID); err != nil {
		return nil, err
	}

	if err := checkIDProperty(id, props); err != nil {
		return nil, err
	}

	e := &Equipment{
		ID:          id,
		Description: props[PropDescription],
		Address:     props[PropAddress],
		TagIDs:      NewIDSet(),
	}

	var err error
	if e.Name, err = props.requireString(PropName); err != nil {
		return nil, err
	}
	if e.ProcessID, err = props.requireID(PropProcessID); err != nil {
		return nil, err
	}
	if e.CommFaultTagID, _, err = props.optionalID(PropCommFaultTagID); err != nil {
		return nil, err
	}
	if e.CommFaultTagID == id || e.ProcessID == id {
		return nil, fmt.Errorf("%w: equipment id %d collides with its process or commfault tag", ErrInvalidProperty, id)
	}

	return e, nil
}

func (e *Equipment) ApplyUpdate(props Properties) (Change, error) {
	change := Change{EntityID: e.ID, Kind: KindEquipment}

	if err := props.checkKnown(PropName, PropDescription, PropAddress); err != nil {
		return change, err
	}

	if props.Has(PropName) {
		name, err := props.requireString(PropName)
		if err != nil {
			return change, err
		}
		e.Name = name
		change.touch(PropName)
	}
	if v, ok := props[PropDescription]; ok {
		e.Description = v
		change.touch(PropDescription)
	}
	if v, ok := props[PropAddress]; ok {
		e.Address = v
		change.touch(PropAddress)
	}

	return change, nil
}
