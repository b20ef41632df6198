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

package configuration_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/cache"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/configuration"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/supervision"
)

var errBoom = errors.New("boom")

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		log      *zap.SugaredLogger
		store    *memory.Store
		entities *cache.EntityCache
		tracker  *supervision.Tracker
		fl       *fakeFleet
		opts     configuration.Options
		orch     *configuration.Orchestrator
	)

	rebuild := func() {
		orch = configuration.New(entities, store, tracker, fl, opts)
	}

	apply := func(elements ...models.ConfigurationElement) *configuration.ConfigurationReport {
		return orch.ApplyConfiguration(ctx, batch(elements...))
	}

	mustApply := func(elements ...models.ConfigurationElement) {
		rep := apply(elements...)
		for _, el := range rep.Elements {
			ExpectWithOffset(1, el.Status).To(Equal(configuration.StatusSuccess), "%s %s %d: %s", el.Action, el.EntityKind, el.EntityID, el.Cause)
		}
	}

	process := func(pid int64) *models.Process {
		p, err := entities.GetProcess(pid)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())

		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		log = zaptest.NewLogger(GinkgoT()).Sugar()
		store = memory.NewStore()
		entities = cache.New(log)
		tracker = supervision.NewTracker(entities, log)
		fl = newFakeFleet()
		opts = configuration.DefaultOptions()
		opts.LockTimeout = time.Second
		rebuild()
	})

	AfterEach(func() {
		tracker.Close()
		Expect(entities.Locks().Len()).To(Equal(0), "no entity lock may outlive a batch")
	})

	Describe("Create", func() {
		It("persists and caches a process with its alive and state tags", func() {
			rep := apply(createProcess(1))

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			Expect(rep.Elements).To(HaveLen(1))
			Expect(rep.Elements[0].State).To(Equal(configuration.StateCommitted))

			for _, eid := range []int64{1, 11, 12} {
				Expect(entities.HasKey(eid)).To(BeTrue())
			}
			stored, err := store.GetProcess(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Name).To(Equal("daq-1"))
			Expect(stored.AliveInterval).To(Equal(time.Minute))
			Expect(stored.MaxMessageSize).To(Equal(100))

			alive, err := store.GetControlTag(ctx, 11)
			Expect(err).NotTo(HaveOccurred())
			Expect(alive.TagKind).To(Equal(models.TagAlive))
			Expect(alive.OwnerID).To(Equal(int64(1)))

			Expect(tracker.Watched(1)).To(BeTrue())
			Expect(fl.isSubscribed(1)).To(BeTrue())
		})

		It("leaves no cache trace when the store rejects the process", func() {
			store.SetFault(memory.FailOn(memory.OpInsert, 1, errBoom))

			rep := apply(createProcess(1))

			Expect(rep.Status).To(Equal(configuration.StatusFailure))
			el := rep.Elements[0]
			Expect(el.ErrorKind).To(Equal(configuration.KindStoreError))
			Expect(el.State).To(Equal(configuration.StateFailed))
			Expect(el.Cause).To(ContainSubstring("boom"))
			Expect(entities.HasKey(1)).To(BeFalse())
			Expect(entities.HasKey(11)).To(BeFalse())
			Expect(tracker.Watched(1)).To(BeFalse())
			Expect(fl.isSubscribed(1)).To(BeFalse())
		})

		It("deletes the rows it already wrote when a tag insert fails", func() {
			store.SetFault(memory.FailOn(memory.OpInsert, 12, errBoom))

			rep := apply(createProcess(1))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindStoreError))
			_, err := store.GetProcess(ctx, 1)
			Expect(err).To(MatchError(persistence.ErrNotFound))
			_, err = store.GetControlTag(ctx, 11)
			Expect(err).To(MatchError(persistence.ErrNotFound))
			Expect(entities.Len()).To(Equal(0))
		})

		It("rejects an id that is already cached without touching the store", func() {
			mustApply(createProcess(1))
			var calls atomic.Int32
			store.SetFault(func(string, models.EntityKind, int64) error {
				calls.Add(1)

				return nil
			})

			rep := apply(createProcess(1))

			Expect(rep.Status).To(Equal(configuration.StatusFailure))
			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindEntityExists))
			Expect(calls.Load()).To(BeZero())
		})

		It("rejects a process whose state tag id is taken", func() {
			mustApply(createProcess(1))
			el := createProcess(2)
			el.Properties[models.PropStateTagID] = "11"

			rep := apply(el)

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindEntityExists))
			Expect(entities.HasKey(2)).To(BeFalse())
			Expect(entities.HasKey(21)).To(BeFalse())
			_, err := store.GetProcess(ctx, 2)
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		DescribeTable("rejects malformed properties without side effects",
			func(mutate func(models.Properties)) {
				el := createProcess(1)
				mutate(el.Properties)

				rep := apply(el)

				Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInvalidConfiguration))
				Expect(entities.Len()).To(Equal(0))
				rows, err := store.ListProcesses(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(rows).To(BeEmpty())
			},
			Entry("missing alive interval", func(p models.Properties) { delete(p, models.PropAliveInterval) }),
			Entry("alive interval too short", func(p models.Properties) { p[models.PropAliveInterval] = "10" }),
			Entry("non-numeric alive tag", func(p models.Properties) { p[models.PropAliveTagID] = "eleven" }),
			Entry("unknown property", func(p models.Properties) { p["color"] = "red" }),
			Entry("mismatching id property", func(p models.Properties) { p[models.PropID] = "7" }),
		)

		It("keeps the rows but evicts everything when subscribing fails", func() {
			fl.setFailSubscribe(errBoom)

			rep := apply(createProcess(1))

			el := rep.Elements[0]
			Expect(el.Status).To(Equal(configuration.StatusFailure))
			Expect(el.ErrorKind).To(Equal(configuration.KindInfrastructure))
			Expect(entities.Len()).To(Equal(0))
			Expect(tracker.Watched(1)).To(BeFalse())

			_, err := store.GetProcess(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
		})

		It("creates equipment with its commfault tag and links it to the process", func() {
			mustApply(
				createProcess(1),
				createEquipment(100, 1, models.Properties{models.PropCommFaultTagID: "101"}),
				createTag(110, 100, models.TagGeneric),
			)

			Expect(process(1).EquipmentIDs.Has(100)).To(BeTrue())
			eq, err := entities.GetEquipment(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(eq.TagIDs.Slice()).To(Equal([]int64{110}))

			commFault, err := entities.GetControlTag(101)
			Expect(err).NotTo(HaveOccurred())
			Expect(commFault.TagKind).To(Equal(models.TagCommFault))
			_, err = store.GetControlTag(ctx, 101)
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses equipment of an unknown process", func() {
			rep := apply(createEquipment(100, 1, nil))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindPreconditionFailed))
			Expect(entities.HasKey(100)).To(BeFalse())
		})

		It("refuses standalone dedicated tags", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil))

			rep := apply(createTag(110, 100, models.TagCommFault), createTag(111, 1, models.TagAlive))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindUnsupportedOperation))
			Expect(rep.Elements[1].ErrorKind).To(Equal(configuration.KindUnsupportedOperation))
			Expect(entities.HasKey(110)).To(BeFalse())
		})

		It("refuses a generic tag owned by a process", func() {
			mustApply(createProcess(1))

			rep := apply(createTag(110, 1, models.TagGeneric))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInvalidConfiguration))
		})
	})

	Describe("Update", func() {
		BeforeEach(func() {
			mustApply(createProcess(1))
		})

		It("restarts exactly one alive watch when the interval changes", func() {
			Expect(tracker.Heartbeat(11, time.Now())).To(BeTrue())
			Expect(tracker.IsRunning(1)).To(BeTrue())
			generation := tracker.Generation(1)

			rep := apply(update(models.KindProcess, 1, models.Properties{models.PropAliveInterval: "30000"}))

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			Expect(rep.Elements[0].Changes).To(ConsistOf(models.PropAliveInterval))
			Expect(tracker.Generation(1)).NotTo(Equal(generation))
			Expect(tracker.ActiveWatches()).To(Equal(1))
			Expect(tracker.IsRunning(1)).To(BeTrue())
			Expect(process(1).AliveInterval).To(Equal(30 * time.Second))

			stored, err := store.GetProcess(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.AliveInterval).To(Equal(30 * time.Second))
		})

		It("restarts the watch even when the interval is unchanged", func() {
			generation := tracker.Generation(1)

			mustApply(update(models.KindProcess, 1, models.Properties{models.PropAliveInterval: "60000"}))

			Expect(tracker.Generation(1)).NotTo(Equal(generation))
			Expect(tracker.ActiveWatches()).To(Equal(1))
		})

		It("reports a persisted update whose watch cannot restart as a warning", func() {
			flaky := &flakySupervisor{Tracker: tracker}
			orch = configuration.New(entities, store, flaky, fl, opts)
			flaky.failStart.Store(true)

			rep := apply(update(models.KindProcess, 1, models.Properties{models.PropAliveInterval: "30000"}))

			Expect(rep.Status).To(Equal(configuration.StatusWarning))
			Expect(rep.Elements[0].State).To(Equal(configuration.StateCommitted))
			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInfrastructure))
			Expect(rep.Elements[0].Changes).To(ConsistOf(models.PropAliveInterval))
			Expect(process(1).AliveInterval).To(Equal(30 * time.Second))
			Expect(tracker.Watched(1)).To(BeFalse())

			stored, err := store.GetProcess(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.AliveInterval).To(Equal(30 * time.Second))

			flaky.failStart.Store(false)
			mustApply(update(models.KindProcess, 1, models.Properties{models.PropAliveInterval: "60000"}))
			Expect(tracker.Watched(1)).To(BeTrue())
		})

		It("leaves the watch alone for other properties", func() {
			generation := tracker.Generation(1)

			mustApply(update(models.KindProcess, 1, models.Properties{models.PropDescription: "line 4"}))

			Expect(tracker.Generation(1)).To(Equal(generation))
			Expect(process(1).Description).To(Equal("line 4"))
		})

		DescribeTable("refuses identity-bearing properties without mutating anything",
			func(props models.Properties) {
				generation := tracker.Generation(1)

				rep := apply(update(models.KindProcess, 1, props))

				Expect(rep.Elements[0].Status).To(Equal(configuration.StatusFailure))
				Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindUnsupportedOperation))
				p := process(1)
				Expect(p.Name).To(Equal("daq-1"))
				Expect(p.StateTagID).To(Equal(int64(12)))
				Expect(tracker.Generation(1)).To(Equal(generation))
			},
			Entry("id", models.Properties{models.PropID: "2"}),
			Entry("id with other fields", models.Properties{models.PropID: "2", models.PropAliveInterval: "5000"}),
			Entry("name", models.Properties{models.PropName: "renamed"}),
			Entry("state tag", models.Properties{models.PropStateTagID: "99"}),
		)

		It("fails for an unknown entity", func() {
			rep := apply(update(models.KindProcess, 9, models.Properties{models.PropDescription: "x"}))

			Expect(rep.Elements[0].Status).To(Equal(configuration.StatusFailure))
			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindEntityNotFound))
		})

		It("fails when the id belongs to another kind", func() {
			rep := apply(update(models.KindEquipment, 1, models.Properties{models.PropDescription: "x"}))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInvalidConfiguration))
		})

		It("warns when there is nothing to update", func() {
			rep := apply(update(models.KindProcess, 1, nil))

			Expect(rep.Status).To(Equal(configuration.StatusWarning))
			Expect(rep.Elements[0].State).To(Equal(configuration.StateSkipped))
		})

		It("evicts the process when the store update fails", func() {
			store.SetFault(memory.FailOn(memory.OpUpdate, 1, errBoom))

			rep := apply(update(models.KindProcess, 1, models.Properties{models.PropAliveInterval: "5000"}))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindStoreError))
			Expect(entities.HasKey(1)).To(BeFalse())
			Expect(tracker.Watched(1)).To(BeFalse())

			stored, err := store.GetProcess(ctx, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.AliveInterval).To(Equal(time.Minute))
		})

		It("re-keys the alive tag", func() {
			mustApply(update(models.KindProcess, 1, models.Properties{models.PropAliveTagID: "15"}))

			Expect(process(1).AliveTagID).To(Equal(int64(15)))
			Expect(entities.HasKey(15)).To(BeTrue())
			Expect(entities.HasKey(11)).To(BeFalse())

			_, err := store.GetControlTag(ctx, 15)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.GetControlTag(ctx, 11)
			Expect(err).To(MatchError(persistence.ErrNotFound))

			Expect(tracker.Heartbeat(15, time.Now())).To(BeTrue())
			Expect(tracker.Heartbeat(11, time.Now())).To(BeFalse())
		})

		It("refuses to re-key the alive tag onto a taken id", func() {
			rep := apply(update(models.KindProcess, 1, models.Properties{models.PropAliveTagID: "12"}))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInvalidConfiguration))

			mustApply(createProcess(2))
			rep = apply(update(models.KindProcess, 1, models.Properties{models.PropAliveTagID: "21"}))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindEntityExists))
			Expect(process(1).AliveTagID).To(Equal(int64(11)))
		})

		It("updates equipment and control tags", func() {
			mustApply(createEquipment(100, 1, nil), createTag(110, 100, models.TagGeneric))

			rep := apply(
				update(models.KindEquipment, 100, models.Properties{models.PropName: "press", models.PropAddress: "10.0.0.7"}),
				update(models.KindControlTag, 110, models.Properties{models.PropDataType: "float"}),
			)

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			eq, err := entities.GetEquipment(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(eq.Name).To(Equal("press"))
			Expect(eq.TagIDs.Has(110)).To(BeTrue())

			stored, err := store.GetControlTag(ctx, 110)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.DataType).To(Equal("float"))
		})

		It("refuses to move equipment to another process", func() {
			mustApply(createEquipment(100, 1, nil))

			rep := apply(update(models.KindEquipment, 100, models.Properties{models.PropProcessID: "2"}))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindUnsupportedOperation))
		})
	})

	Describe("Remove", func() {
		DescribeTable("warns for an id that is not cached",
			func(kind models.EntityKind) {
				rep := apply(remove(kind, 42))

				Expect(rep.Status).To(Equal(configuration.StatusWarning))
				Expect(rep.Elements[0].Status).To(Equal(configuration.StatusWarning))
				Expect(rep.Elements[0].ErrorKind).To(BeEmpty())
			},
			Entry("process", models.KindProcess),
			Entry("equipment", models.KindEquipment),
			Entry("control tag", models.KindControlTag),
		)

		It("cascades through the equipment and the dedicated tags", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil), createEquipment(200, 1, nil))

			rep := apply(remove(models.KindProcess, 1))

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			top := rep.Elements[0]
			Expect(top.SubReports).To(HaveLen(4))
			kinds := map[models.EntityKind]int{}
			for _, sub := range top.SubReports {
				Expect(sub.Status).To(Equal(configuration.StatusSuccess))
				kinds[sub.EntityKind]++
			}
			Expect(kinds).To(Equal(map[models.EntityKind]int{models.KindEquipment: 2, models.KindControlTag: 2}))

			for _, eid := range []int64{1, 11, 12, 100, 200} {
				Expect(entities.HasKey(eid)).To(BeFalse())
			}
			rows, err := store.ListEquipment(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
			Expect(tracker.Watched(1)).To(BeFalse())
			Expect(fl.isSubscribed(1)).To(BeFalse())
		})

		It("removes equipment tags before the equipment", func() {
			mustApply(
				createProcess(1),
				createEquipment(100, 1, models.Properties{models.PropCommFaultTagID: "101"}),
				createTag(110, 100, models.TagGeneric),
				createTag(111, 100, models.TagGeneric),
			)

			rep := apply(remove(models.KindProcess, 1))

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			eq := rep.Elements[0].SubReports[0]
			Expect(eq.EntityID).To(Equal(int64(100)))
			var order []int64
			for _, sub := range eq.SubReports {
				order = append(order, sub.EntityID)
			}
			Expect(order).To(Equal([]int64{110, 111, 101}))
			tags, err := store.ListControlTags(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(tags).To(BeEmpty())
		})

		It("aborts the cascade and keeps the process when one equipment fails", func() {
			mustApply(
				createProcess(1),
				createEquipment(100, 1, nil),
				createEquipment(200, 1, nil),
				createEquipment(300, 1, nil),
			)
			store.SetFault(memory.FailOn(memory.OpDelete, 200, errBoom))

			rep := apply(remove(models.KindProcess, 1))

			Expect(rep.Status).To(Equal(configuration.StatusFailure))
			top := rep.Elements[0]
			Expect(top.ErrorKind).To(Equal(configuration.KindStoreError))
			Expect(top.Message).To(Equal("cascade aborted"))
			Expect(top.Find(models.KindEquipment, 100).Status).To(Equal(configuration.StatusSuccess))
			Expect(top.Find(models.KindEquipment, 200).Status).To(Equal(configuration.StatusFailure))
			Expect(top.Find(models.KindEquipment, 300)).To(BeNil())

			Expect(entities.HasKey(100)).To(BeFalse())
			Expect(entities.HasKey(200)).To(BeFalse())
			Expect(entities.HasKey(300)).To(BeTrue())
			Expect(entities.HasKey(1)).To(BeTrue())
			Expect(entities.HasKey(11)).To(BeTrue())

			// the set stays a superset of the stored equipment
			Expect(process(1).EquipmentIDs.Slice()).To(Equal([]int64{200, 300}))
			rows, err := store.ListEquipment(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
		})

		It("refuses to remove a running process", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil))
			Expect(tracker.Heartbeat(11, time.Now())).To(BeTrue())

			rep := apply(remove(models.KindProcess, 1))

			el := rep.Elements[0]
			Expect(el.ErrorKind).To(Equal(configuration.KindPreconditionFailed))
			Expect(el.Message).To(Equal("must be stopped first"))
			Expect(el.SubReports).To(BeEmpty())
			Expect(entities.HasKey(1)).To(BeTrue())
		})

		It("removes a running process when allowed", func() {
			opts.AllowRunningProcessRemoval = true
			rebuild()
			mustApply(createProcess(1))
			Expect(tracker.Heartbeat(11, time.Now())).To(BeTrue())

			rep := apply(remove(models.KindProcess, 1))

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			Expect(entities.HasKey(1)).To(BeFalse())
		})

		It("evicts the process even when its cleanup fails", func() {
			mustApply(createProcess(1))
			fl.setFailUnsubscribe(errBoom)

			rep := apply(remove(models.KindProcess, 1))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInfrastructure))
			Expect(entities.HasKey(1)).To(BeFalse())
			Expect(entities.HasKey(11)).To(BeFalse())
			_, err := store.GetProcess(ctx, 1)
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})

		It("detaches standalone equipment from its process", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil), createEquipment(200, 1, nil))

			mustApply(remove(models.KindEquipment, 100))

			Expect(process(1).EquipmentIDs.Slice()).To(Equal([]int64{200}))
			Expect(entities.HasKey(100)).To(BeFalse())
		})

		It("detaches a standalone generic tag from its equipment", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil), createTag(110, 100, models.TagGeneric))

			mustApply(remove(models.KindControlTag, 110))

			eq, err := entities.GetEquipment(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(eq.TagIDs).To(BeEmpty())
		})

		It("refuses to remove a dedicated tag on its own", func() {
			mustApply(createProcess(1))

			rep := apply(remove(models.KindControlTag, 12))

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindPreconditionFailed))
			Expect(entities.HasKey(12)).To(BeTrue())
		})

		It("drops an equipment reference without touching the store", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil))

			Expect(orch.RemoveEquipmentFromProcess(ctx, 100, 1)).To(Succeed())

			Expect(process(1).EquipmentIDs.Has(100)).To(BeFalse())
			Expect(entities.HasKey(100)).To(BeTrue())
			_, err := store.GetEquipment(ctx, 100)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Batches", func() {
		It("reports every element as not attempted once the context is done", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			rep := orch.ApplyConfiguration(cctx, batch(createProcess(1), remove(models.KindProcess, 2)))

			Expect(rep.Status).To(Equal(configuration.StatusFailure))
			for _, el := range rep.Elements {
				Expect(el.ErrorKind).To(Equal(configuration.KindNotAttempted))
				Expect(el.Cause).To(ContainSubstring("not attempted"))
			}
			Expect(entities.Len()).To(Equal(0))
		})

		It("gives up on a lock held for longer than the lock timeout", func() {
			opts.LockTimeout = 50 * time.Millisecond
			rebuild()
			mustApply(createProcess(1))

			release, err := entities.Lock(ctx, 1, models.KindProcess)
			Expect(err).NotTo(HaveOccurred())
			rep := apply(update(models.KindProcess, 1, models.Properties{models.PropDescription: "x"}))
			release()

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindNotAttempted))
			Expect(process(1).Description).To(BeEmpty())
		})

		It("keeps the submitted order across waves", func() {
			rep := apply(
				createProcess(1),
				createEquipment(100, 1, nil),
				remove(models.KindEquipment, 100),
				remove(models.KindProcess, 1),
			)

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			for i, el := range rep.Elements {
				Expect(el.Sequence).To(Equal(i))
			}
			Expect(entities.Len()).To(Equal(0))
		})

		It("applies a wave concurrently", func() {
			opts.MaxParallel = 4
			rebuild()

			var elements []models.ConfigurationElement
			for pid := int64(1); pid <= 10; pid++ {
				elements = append(elements, createProcess(pid))
			}
			rep := apply(elements...)

			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			Expect(entities.IDs(models.KindProcess)).To(HaveLen(10))
			Expect(tracker.ActiveWatches()).To(Equal(10))
		})

		It("rejects an unknown action", func() {
			el := createProcess(1)
			el.Action = "explode"

			rep := apply(el)

			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindInvalidConfiguration))
		})

		It("resolves concurrent create and remove of one id consistently", func() {
			for round := 0; round < 25; round++ {
				var wg sync.WaitGroup
				wg.Add(2)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					apply(createProcess(1))
				}()
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					apply(remove(models.KindProcess, 1))
				}()
				wg.Wait()

				_, err := store.GetProcess(ctx, 1)
				stored := err == nil
				Expect(entities.HasKey(1)).To(Equal(stored))
				Expect(entities.HasKey(11)).To(Equal(stored))
				Expect(tracker.Watched(1)).To(Equal(stored))
				Expect(entities.Locks().Len()).To(Equal(0))

				apply(remove(models.KindProcess, 1))
				Expect(entities.Len()).To(Equal(0))
			}
		})
	})

	Describe("Live values", func() {
		tagValue := func(tagID int64) interface{} {
			var v interface{}
			err := entities.Locks().With(ctx, tagID, models.KindControlTag.LockLevel(), func() error {
				t, err := entities.GetControlTag(tagID)
				if err != nil {
					return err
				}
				v = t.Value

				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			return v
		}

		It("mirrors the running state into the state tag", func() {
			tracker.AddListener(orch.OnRunningChanged)
			mustApply(createProcess(1))

			Expect(tracker.Heartbeat(11, time.Now())).To(BeTrue())

			Eventually(func() interface{} { return tagValue(12) }).Should(Equal(true))
		})

		It("stores values of generic tags", func() {
			mustApply(createProcess(1), createEquipment(100, 1, nil), createTag(110, 100, models.TagGeneric))
			ts := time.Now().UTC()

			Expect(orch.ApplyTagValue(ctx, 110, 21.5, ts)).To(Succeed())

			Expect(tagValue(110)).To(Equal(21.5))
			Expect(configuration.IsKind(orch.ApplyTagValue(ctx, 999, 1, ts), configuration.KindEntityNotFound)).To(BeTrue())
		})
	})

	Describe("Warmup", func() {
		It("rebuilds the topology from the store", func() {
			mustApply(
				createProcess(1),
				createEquipment(100, 1, models.Properties{models.PropCommFaultTagID: "101"}),
				createTag(110, 100, models.TagGeneric),
			)

			fresh := cache.New(log)
			freshTracker := supervision.NewTracker(fresh, log)
			defer freshTracker.Close()
			freshFleet := newFakeFleet()

			res, err := configuration.New(fresh, store, freshTracker, freshFleet, opts).Warmup(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Processes).To(Equal(1))
			Expect(res.Equipment).To(Equal(1))
			Expect(res.ControlTag).To(Equal(4))
			Expect(res.Orphans).To(Equal(0))
			Expect(res.Activated).To(Equal(1))

			p, err := fresh.GetProcess(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.EquipmentIDs.Slice()).To(Equal([]int64{100}))
			eq, err := fresh.GetEquipment(100)
			Expect(err).NotTo(HaveOccurred())
			Expect(eq.TagIDs.Slice()).To(Equal([]int64{110}))
			Expect(freshTracker.Watched(1)).To(BeTrue())
			Expect(freshFleet.isSubscribed(1)).To(BeTrue())
		})

		It("skips rows whose owner is missing", func() {
			Expect(store.InsertEquipment(ctx, &models.Equipment{ID: 500, Name: "stray", ProcessID: 9})).To(Succeed())
			Expect(store.InsertControlTag(ctx, &models.ControlTag{ID: 501, Name: "stray", TagKind: models.TagGeneric, OwnerID: 500})).To(Succeed())

			res, err := orch.Warmup(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(res.Orphans).To(Equal(2))
			Expect(entities.Len()).To(Equal(0))
		})
	})
})
