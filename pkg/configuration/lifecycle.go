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
	"context"
	"errors"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// Element states. Only the terminal ones (committed, skipped, failed) are
// visible to callers, through the report status.
const (
	StateValidated     = "validated"
	StateApplyingStore = "applying_store"
	StateApplyingCache = "applying_cache"
	StateCommitted     = "committed"
	StateRollingBack   = "rolling_back"
	StateFailed        = "failed"
	StateSkipped       = "skipped"
)

const (
	EventApplyStore = "apply_store"
	EventApplyCache = "apply_cache"
	EventCommit     = "commit"
	EventRollback   = "rollback"
	EventFail       = "fail"
	EventSkip       = "skip"
)

// element is one configuration element in flight: its request, its report
// node and its lifecycle machine.
type element struct {
	models.ConfigurationElement
	report *ElementReport
	fsm    *fsm.FSM
	log    *zap.SugaredLogger

	// degraded marks a committed element whose side effect failed
	degraded bool
}

func newElement(seq int, req models.ConfigurationElement, log *zap.SugaredLogger) *element {
	el := &element{
		ConfigurationElement: req,
		report: &ElementReport{
			Sequence:   seq,
			Action:     req.Action,
			EntityKind: req.EntityKind,
			EntityID:   req.EntityID,
		},
		log: log.With("action", req.Action, "kind", req.EntityKind, "id", req.EntityID),
	}

	el.fsm = fsm.NewFSM(
		StateValidated,
		fsm.Events{
			{Name: EventApplyStore, Src: []string{StateValidated}, Dst: StateApplyingStore},
			{Name: EventApplyCache, Src: []string{StateApplyingStore}, Dst: StateApplyingCache},
			{Name: EventCommit, Src: []string{StateApplyingCache}, Dst: StateCommitted},
			{Name: EventRollback, Src: []string{StateApplyingStore, StateApplyingCache}, Dst: StateRollingBack},
			{Name: EventFail, Src: []string{StateValidated, StateRollingBack}, Dst: StateFailed},
			{Name: EventSkip, Src: []string{StateValidated}, Dst: StateSkipped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				el.log.Debugf("Element %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return el
}

// child creates the element of a removal cascaded from el and attaches its
// report as a sub-report.
func (el *element) child(kind models.EntityKind, id int64, log *zap.SugaredLogger) *element {
	c := newElement(el.report.Sequence, models.ConfigurationElement{
		Action:     models.ActionRemove,
		EntityKind: kind,
		EntityID:   id,
	}, log)
	el.report.addSub(c.report)

	return c
}

func (el *element) event(name string) {
	if err := el.fsm.Event(context.Background(), name); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			el.log.Errorf("Invalid element transition %s from %s: %s", name, el.fsm.Current(), err)
		}
	}
}

func (el *element) state() string {
	return el.fsm.Current()
}

func (el *element) applyingStore() { el.event(EventApplyStore) }
func (el *element) applyingCache() { el.event(EventApplyCache) }

func (el *element) commit(changes ...string) {
	el.report.Changes = changes
	el.event(EventCommit)
}

// commitDegraded commits a change that reached the store and the cache but
// whose side effect failed. It is reported as a warning carrying err.
func (el *element) commitDegraded(err error, changes ...string) {
	el.commit(changes...)
	el.degraded = true
	el.report.ErrorKind = KindOf(err)
	el.report.Cause = err.Error()
	el.report.Message = "applied, " + string(el.report.ErrorKind) + " side effect failed"
}

// skip ends the element as a warning.
func (el *element) skip(message string) {
	el.report.Message = message
	el.event(EventSkip)
}

// fail ends the element as a failure, rolling back first if it was applying,
// and returns err for the caller's convenience.
func (el *element) fail(err error) error {
	switch el.state() {
	case StateApplyingStore, StateApplyingCache:
		el.event(EventRollback)
	}
	el.event(EventFail)

	el.report.ErrorKind = KindOf(err)
	el.report.Cause = err.Error()
	if el.report.Message == "" {
		el.report.Message = string(el.report.ErrorKind)
	}

	return err
}

// finish derives the report status from the terminal state.
func (el *element) finish() *ElementReport {
	switch el.state() {
	case StateCommitted:
		el.report.Status = StatusSuccess
		if el.degraded {
			el.report.Status = StatusWarning
		}
	case StateSkipped:
		el.report.Status = StatusWarning
	default:
		if el.state() != StateFailed {
			_ = el.fail(errorf(KindStoreError, el.EntityID, "element ended in state %s", el.state()))
		}
		el.report.Status = StatusFailure
	}
	el.report.State = el.state()

	return el.report
}
