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


package api_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/api"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/cache"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/configuration"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/fleet"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/persistence/memory"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/supervision"
)

const processBatch = `{
	"name": "line-1",
	"user": "operator",
	"elements": [
		{"action": "create", "entityKind": "process", "entityId": 1,
		 "properties": {"name": "press-1", "aliveTagId": "11", "stateTagId": "12", "aliveInterval": "60000"}},
		{"action": "create", "entityKind": "equipment", "entityId": 2,
		 "properties": {"name": "press", "processId": "1"}}
	]
}`

type panickingConfigurator struct {
	api.Configurator
}

func (panickingConfigurator) ApplyConfiguration(context.Context, models.Configuration) *configuration.ConfigurationReport {
	panic("store handle closed")
}

var _ = Describe("Router", func() {
	var (
		entities *cache.EntityCache
		tracker  *supervision.Tracker
		router   *gin.Engine
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		return rec
	}

	BeforeEach(func() {
		log := zaptest.NewLogger(GinkgoT()).Sugar()
		entities = cache.New(log)
		tracker = supervision.NewTracker(entities, log)
		opts := configuration.DefaultOptions()
		opts.LockTimeout = time.Second
		orch := configuration.New(entities, memory.NewStore(), tracker, fleet.Nop{}, opts)
		router = api.NewRouter(orch, time.Minute)
	})

	AfterEach(func() {
		tracker.Close()
	})

	It("answers on the root path", func() {
		rec := do(http.MethodGet, "/", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("online"))
	})

	It("compresses reports for clients that accept gzip", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/configurations", bytes.NewBufferString(processBatch))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Encoding")).To(Equal("gzip"))

		zr, err := gzip.NewReader(rec.Body)
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(zr)
		Expect(err).NotTo(HaveOccurred())

		var rep configuration.ConfigurationReport
		Expect(json.Unmarshal(body, &rep)).To(Succeed())
		Expect(rep.Status).To(Equal(configuration.StatusSuccess))
	})

	It("turns a handler panic into a 500 and keeps serving", func() {
		router = api.NewRouter(panickingConfigurator{}, time.Minute)

		rec := do(http.MethodPost, "/api/v1/configurations", processBatch)
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))

		rec = do(http.MethodGet, "/", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	Describe("POST /api/v1/configurations", func() {
		It("applies a batch and returns its report", func() {
			rec := do(http.MethodPost, "/api/v1/configurations", processBatch)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var rep configuration.ConfigurationReport
			Expect(json.Unmarshal(rec.Body.Bytes(), &rep)).To(Succeed())
			Expect(rep.Status).To(Equal(configuration.StatusSuccess))
			Expect(rep.Name).To(Equal("line-1"))
			Expect(rep.User).To(Equal("operator"))
			Expect(rep.Elements).To(HaveLen(2))
			Expect(entities.HasKey(2)).To(BeTrue())
		})

		It("answers 207 when an element fails", func() {
			Expect(do(http.MethodPost, "/api/v1/configurations", processBatch).Code).To(Equal(http.StatusOK))

			rec := do(http.MethodPost, "/api/v1/configurations", processBatch)
			Expect(rec.Code).To(Equal(http.StatusMultiStatus))

			var rep configuration.ConfigurationReport
			Expect(json.Unmarshal(rec.Body.Bytes(), &rep)).To(Succeed())
			Expect(rep.Status).To(Equal(configuration.StatusFailure))
			Expect(rep.Elements[0].ErrorKind).To(Equal(configuration.KindEntityExists))
		})

		DescribeTable("rejects unusable bodies",
			func(body string) {
				rec := do(http.MethodPost, "/api/v1/configurations", body)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(rec.Body.String()).To(ContainSubstring(`"status":400`))
			},
			Entry("not json", "{"),
			Entry("wrong shape", `{"elements": "all"}`),
			Entry("empty batch", `{"name": "nothing", "elements": []}`),
		)
	})

	Describe("GET /api/v1/entities/:id", func() {
		BeforeEach(func() {
			Expect(do(http.MethodPost, "/api/v1/configurations", processBatch).Code).To(Equal(http.StatusOK))
		})

		It("returns a process with its running flag", func() {
			Expect(tracker.Heartbeat(11, time.Now())).To(BeTrue())

			rec := do(http.MethodGet, "/api/v1/entities/1", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body struct {
				Kind    models.EntityKind `json:"kind"`
				Entity  models.Process    `json:"entity"`
				Running *bool             `json:"running"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Kind).To(Equal(models.KindProcess))
			Expect(body.Entity.Name).To(Equal("press-1"))
			Expect(body.Entity.EquipmentIDs.Has(2)).To(BeTrue())
			Expect(body.Running).NotTo(BeNil())
			Expect(*body.Running).To(BeTrue())
		})

		It("omits the running flag for other kinds", func() {
			rec := do(http.MethodGet, "/api/v1/entities/12", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"kind":"controltag"`))
			Expect(rec.Body.String()).NotTo(ContainSubstring(`"running"`))
		})

		It("answers 404 for unknown ids", func() {
			Expect(do(http.MethodGet, "/api/v1/entities/999", "").Code).To(Equal(http.StatusNotFound))
		})

		It("answers 400 for malformed ids", func() {
			Expect(do(http.MethodGet, "/api/v1/entities/abc", "").Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/api/v1/entities/-4", "").Code).To(Equal(http.StatusBadRequest))
		})

		It("answers 503 while the entity stays locked", func() {
			release, err := entities.Lock(context.Background(), 1, models.KindProcess)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan int)
			go func() {
				defer GinkgoRecover()
				done <- do(http.MethodGet, "/api/v1/entities/1", "").Code
			}()
			Eventually(done, 3*time.Second).Should(Receive(Equal(http.StatusServiceUnavailable)))
			release()
		})
	})

	Describe("POST /api/v1/processes/:id/equipment/:equipmentId/detach", func() {
		BeforeEach(func() {
			Expect(do(http.MethodPost, "/api/v1/configurations", processBatch).Code).To(Equal(http.StatusOK))
		})

		It("drops the equipment from the process set only", func() {
			rec := do(http.MethodPost, "/api/v1/processes/1/equipment/2/detach", "")
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			p, err := entities.GetProcess(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.EquipmentIDs.Has(2)).To(BeFalse())
			Expect(entities.HasKey(2)).To(BeTrue())
		})

		It("answers 404 for an unknown process", func() {
			Expect(do(http.MethodPost, "/api/v1/processes/7/equipment/2/detach", "").Code).To(Equal(http.StatusNotFound))
		})
	})
})
