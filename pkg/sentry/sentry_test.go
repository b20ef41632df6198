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

package sentry

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("Events", func() {
	It("attaches every goroutine to fatal events", func() {
		event := createSentryEvent(sentry.LevelFatal, errors.New("store unreachable: dial tcp"), nil)

		Expect(event.Threads).NotTo(BeEmpty())
		Expect(event.Threads[0].Current).To(BeTrue())
		frames := event.Threads[0].Stacktrace.Frames
		Expect(frames).NotTo(BeEmpty())
		Expect(frames[len(frames)-1].Function).To(ContainSubstring("dumpGoroutines"))
		Expect(event.Attachments).To(HaveLen(1))
		Expect(event.Attachments[0].Filename).To(Equal("goroutines.txt"))
		Expect(event.Exception[0].Type).To(Equal("store unreachable"))
	})

	It("keeps error events small", func() {
		event := createSentryEvent(sentry.LevelError, errors.New("update failed"), map[string]interface{}{
			"entity_kind": "process",
			"entity_id":   7,
		})

		Expect(event.Threads).To(BeEmpty())
		Expect(event.Attachments).To(BeEmpty())
		Expect(event.Tags).To(HaveKeyWithValue("entity_id", "7"))
		Expect(event.Fingerprint).To(ContainElement("entity_kind: process"))
	})
})

var _ = Describe("Delivery", func() {
	BeforeEach(func() {
		InitSentry("https://public@sentry.example.com/1", "1.2.3", false)
		gock.InterceptClient(transportClient)

		DeferCleanup(func() {
			gock.RestoreClient(transportClient)
			gock.Off()
			_ = sentry.Init(sentry.ClientOptions{})
		})
	})

	It("flushes a fatal report with its goroutine dump before panicking", func() {
		gock.New("https://sentry.example.com").
			Post("/api/1/envelope/").
			AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
				body, err := io.ReadAll(req.Body)
				if err != nil {
					return false, err
				}

				return bytes.Contains(body, []byte("goroutines.txt")) &&
					bytes.Contains(body, []byte("cache diverged from store")), nil
			}).
			Reply(http.StatusOK).
			JSON(map[string]string{"id": "0"})

		Expect(func() {
			ReportIssue(errors.New("cache diverged from store"), IssueTypeFatal, zap.NewNop().Sugar())
		}).To(Panic())
		Expect(gock.IsDone()).To(BeTrue())
	})

	It("skips debounced errors", func() {
		shouldDebounceErrors = true
		DeferCleanup(func() { shouldDebounceErrors = false })

		gock.New("https://sentry.example.com").
			Post("/api/1/envelope/").
			Times(1).
			Reply(http.StatusOK)

		err := errors.New("equipment 4 rejected: duplicate name")
		ReportIssue(err, IssueTypeError, zap.NewNop().Sugar())
		ReportIssue(err, IssueTypeError, zap.NewNop().Sugar())
		sentry.Flush(2 * time.Second)

		Expect(gock.IsDone()).To(BeTrue())
		Expect(gock.HasUnmatchedRequest()).To(BeFalse())
	})
})
