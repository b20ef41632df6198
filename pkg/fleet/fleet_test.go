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

package fleet

import (
	"context"
	"errors"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

type heartbeatRecorder struct {
	mu    sync.Mutex
	alive map[int64]bool
	seen  []int64
}

func (h *heartbeatRecorder) Heartbeat(tagID int64, _ time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen = append(h.seen, tagID)

	return h.alive[tagID]
}

type valueRecorder struct {
	mu     sync.Mutex
	values map[int64]interface{}
}

func (v *valueRecorder) ApplyTagValue(_ context.Context, tagID int64, value interface{}, _ time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.values[tagID] = value

	return nil
}

// doneToken is a completed MQTT token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}

// brokerClient records topic subscriptions instead of talking to a broker.
type brokerClient struct {
	mu               sync.Mutex
	topics           map[string]bool
	subscribeCalls   int
	unsubscribeCalls int
	failUnsubscribe  error
}

var _ MQTT.Client = (*brokerClient)(nil)

func newBrokerClient() *brokerClient {
	return &brokerClient{topics: map[string]bool{}}
}

func (c *brokerClient) IsConnected() bool      { return true }
func (c *brokerClient) IsConnectionOpen() bool { return true }
func (c *brokerClient) Connect() MQTT.Token    { return doneToken{} }
func (c *brokerClient) Disconnect(uint)        {}
func (c *brokerClient) Publish(string, byte, bool, interface{}) MQTT.Token {
	return doneToken{}
}
func (c *brokerClient) SubscribeMultiple(map[string]byte, MQTT.MessageHandler) MQTT.Token {
	return doneToken{}
}
func (c *brokerClient) AddRoute(string, MQTT.MessageHandler) {}
func (c *brokerClient) OptionsReader() MQTT.ClientOptionsReader {
	return MQTT.NewClient(MQTT.NewClientOptions()).OptionsReader()
}

func (c *brokerClient) Subscribe(topic string, _ byte, _ MQTT.MessageHandler) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribeCalls++
	c.topics[topic] = true

	return doneToken{}
}

func (c *brokerClient) Unsubscribe(topics ...string) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.unsubscribeCalls++
	if c.failUnsubscribe != nil {
		return doneToken{err: c.failUnsubscribe}
	}
	for _, t := range topics {
		delete(c.topics, t)
	}

	return doneToken{}
}

func (c *brokerClient) subscribedTopics() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]bool, len(c.topics))
	for t := range c.topics {
		out[t] = true
	}

	return out
}

var _ = Describe("Payloads", func() {
	It("decodes a single update", func() {
		updates, err := DecodeUpdates([]byte(`{"tagId": 11, "value": true, "timestamp_ms": 1700000000000}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(updates).To(HaveLen(1))
		Expect(updates[0].TagID).To(Equal(int64(11)))
		Expect(updates[0].Time()).To(Equal(time.UnixMilli(1700000000000)))
	})

	It("decodes a batch of updates", func() {
		updates, err := DecodeUpdates([]byte(` [{"tagId": 1, "value": 2.5}, {"tagId": 2, "value": "on"}]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(updates).To(HaveLen(2))
		Expect(updates[1].Value).To(Equal("on"))
	})

	DescribeTable("rejects bad payloads",
		func(payload string) {
			_, err := DecodeUpdates([]byte(payload))
			Expect(err).To(HaveOccurred())
		},
		Entry("empty", "  "),
		Entry("not json", "hello"),
		Entry("missing tag id", `{"value": 1}`),
	)

	It("builds a wildcard topic per process", func() {
		Expect(ProcessTopic("umh/daq/", "line 1/press+")).To(Equal("umh/daq/line_1_press_/#"))
	})
})

var _ = Describe("MQTTGateway dispatch", func() {
	var (
		gw         *MQTTGateway
		heartbeats *heartbeatRecorder
		values     *valueRecorder
	)

	BeforeEach(func() {
		heartbeats = &heartbeatRecorder{alive: map[int64]bool{11: true}}
		values = &valueRecorder{values: map[int64]interface{}{}}
		gw = NewMQTTGateway(MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "test", TopicPrefix: "umh/daq"}, heartbeats, zaptest.NewLogger(GinkgoT()).Sugar())
		gw.SetTagValueSink(values)
	})

	It("sends alive tags to the heartbeat sink only", func() {
		gw.dispatch("umh/daq/p/11", []byte(`{"tagId": 11, "value": true}`))
		Expect(heartbeats.seen).To(Equal([]int64{11}))
		Expect(values.values).To(BeEmpty())
	})

	It("sends other tags to the value sink", func() {
		gw.dispatch("umh/daq/p/30", []byte(`[{"tagId": 30, "value": 21.5}]`))
		Expect(values.values).To(HaveKeyWithValue(int64(30), 21.5))
	})

	It("drops malformed messages", func() {
		gw.dispatch("umh/daq/p/x", []byte(`garbage`))
		Expect(heartbeats.seen).To(BeEmpty())
		Expect(values.values).To(BeEmpty())
	})

	It("treats unsubscribe of an unknown process as a no-op", func() {
		Expect(gw.Unsubscribe(context.Background(), &models.Process{ID: 1, Name: "p"})).To(Succeed())
		Expect(gw.Subscribed()).To(Equal(0))
	})

	It("reports not ready before connecting", func() {
		Expect(gw.ReadinessCheck()()).To(HaveOccurred())
	})
})

var _ = Describe("MQTTGateway subscriptions", func() {
	var (
		gw     *MQTTGateway
		broker *brokerClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		broker = newBrokerClient()
		gw = NewMQTTGateway(MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "test", TopicPrefix: "umh"}, nil, zaptest.NewLogger(GinkgoT()).Sugar())
		gw.client = broker
	})

	It("subscribes once per process", func() {
		p := &models.Process{ID: 1, Name: "press"}
		Expect(gw.Subscribe(ctx, p)).To(Succeed())
		Expect(gw.Subscribe(ctx, p)).To(Succeed())

		Expect(broker.subscribeCalls).To(Equal(1))
		Expect(broker.subscribedTopics()).To(HaveKey("umh/press/#"))
		Expect(gw.Subscribed()).To(Equal(1))
	})

	It("keeps a topic shared by two processes until the last one leaves", func() {
		Expect(gw.Subscribe(ctx, &models.Process{ID: 1, Name: "line a"})).To(Succeed())
		Expect(gw.Subscribe(ctx, &models.Process{ID: 2, Name: "line_a"})).To(Succeed())
		Expect(gw.Topics()).To(ConsistOf("umh/line_a/#"))

		Expect(gw.Unsubscribe(ctx, &models.Process{ID: 1, Name: "line a"})).To(Succeed())
		Expect(broker.subscribedTopics()).To(HaveKey("umh/line_a/#"))
		Expect(broker.unsubscribeCalls).To(Equal(0))
		Expect(gw.Subscribed()).To(Equal(1))

		Expect(gw.Unsubscribe(ctx, &models.Process{ID: 2, Name: "line_a"})).To(Succeed())
		Expect(broker.subscribedTopics()).To(BeEmpty())
		Expect(gw.Topics()).To(BeEmpty())
		Expect(gw.Subscribed()).To(Equal(0))
	})

	It("keeps the subscription when the broker refuses to unsubscribe", func() {
		p := &models.Process{ID: 1, Name: "press"}
		Expect(gw.Subscribe(ctx, p)).To(Succeed())
		broker.failUnsubscribe = errors.New("broker gone")

		Expect(gw.Unsubscribe(ctx, p)).To(HaveOccurred())
		Expect(gw.Subscribed()).To(Equal(1))
		Expect(gw.Topics()).To(ConsistOf("umh/press/#"))

		broker.failUnsubscribe = nil
		Expect(gw.Unsubscribe(ctx, p)).To(Succeed())
		Expect(gw.Subscribed()).To(Equal(0))
	})
})

var _ = Describe("Nop", func() {
	It("accepts everything", func() {
		var g Gateway = Nop{}
		Expect(g.Subscribe(context.Background(), &models.Process{})).To(Succeed())
		Expect(g.Unsubscribe(context.Background(), &models.Process{})).To(Succeed())
	})
})
