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

package configuration

import (
	"time"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// Status is the outcome of an element or a whole batch.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusWarning Status = "Warning"
	StatusFailure Status = "Failure"
)

func (s Status) rank() int {
	switch s {
	case StatusFailure:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// ElementReport is the outcome of one element, with the outcomes of the
// removals it cascaded into.
type ElementReport struct {
	Sequence   int               `json:"sequence"`
	Action     models.Action     `json:"action"`
	EntityKind models.EntityKind `json:"entityKind"`
	EntityID   int64             `json:"entityId"`
	Status     Status            `json:"status"`
	State      string            `json:"state"`
	Message    string            `json:"message,omitempty"`
	ErrorKind  ErrorKind         `json:"errorKind,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Changes    []string          `json:"changes,omitempty"`
	SubReports []*ElementReport  `json:"subReports,omitempty"`
}

func (r *ElementReport) addSub(sub *ElementReport) {
	r.SubReports = append(r.SubReports, sub)
}

// Find returns the first report in the tree rooted at r for the given entity.
func (r *ElementReport) Find(kind models.EntityKind, id int64) *ElementReport {
	if r.EntityKind == kind && r.EntityID == id {
		return r
	}
	for _, sub := range r.SubReports {
		if found := sub.Find(kind, id); found != nil {
			return found
		}
	}

	return nil
}

// ConfigurationReport mirrors a submitted batch.
type ConfigurationReport struct {
	ID        uuid.UUID        `json:"id"`
	Name      string           `json:"name"`
	User      string           `json:"user,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Status    Status           `json:"status"`
	Elements  []*ElementReport `json:"elements"`
}

func newConfigurationReport(cfg models.Configuration) *ConfigurationReport {
	return &ConfigurationReport{
		ID:        uuid.New(),
		Name:      cfg.Name,
		User:      cfg.User,
		Timestamp: time.Now().UTC(),
		Status:    StatusSuccess,
		Elements:  make([]*ElementReport, len(cfg.Elements)),
	}
}

// finalize sets the overall status: Failure if any element failed, else
// Warning if any warned, else Success.
func (r *ConfigurationReport) finalize() {
	r.Status = StatusSuccess
	for _, el := range r.Elements {
		if el.Status.rank() > r.Status.rank() {
			r.Status = el.Status
		}
	}
}

// Failed reports whether any element failed.
func (r *ConfigurationReport) Failed() bool {
	return r.Status == StatusFailure
}
