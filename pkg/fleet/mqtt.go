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
	"fmt"
	"sync"

	"github.com/cenkalti/backoff"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/constants"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/metrics"
	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/models"
)

// MQTTConfig holds the broker connection parameters.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectRetries uint64
}

// MQTTGateway subscribes every process to <prefix>/<process name>/#.
//
// Names are sanitized into topic levels, so several processes may share one
// topic. A topic stays subscribed on the broker while any process uses it.
type MQTTGateway struct {
	client     MQTT.Client
	cfg        MQTTConfig
	heartbeats HeartbeatSink
	log        *zap.SugaredLogger

	// ops serializes broker subscribe and unsubscribe calls
	ops sync.Mutex

	mu         sync.Mutex
	values     TagValueSink
	subscribed map[int64]string
	topics     map[string]models.IDSet
}

var _ Gateway = (*MQTTGateway)(nil)

func NewMQTTGateway(cfg MQTTConfig, heartbeats HeartbeatSink, log *zap.SugaredLogger) *MQTTGateway {
	g := &MQTTGateway{
		cfg:        cfg,
		heartbeats: heartbeats,
		log:        log,
		subscribed: make(map[int64]string),
		topics:     make(map[string]models.IDSet),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(g.onConnect)
	opts.SetConnectionLostHandler(g.onConnectionLost)

	g.client = MQTT.NewClient(opts)

	return g
}

// SetTagValueSink wires the receiver of non-heartbeat values. It may be
// called after construction because the sink usually depends on the gateway.
func (g *MQTTGateway) SetTagValueSink(s TagValueSink) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.values = s
}

// Connect dials the broker, retrying with exponential backoff until ctx ends
// or ConnectRetries is exhausted.
func (g *MQTTGateway) Connect(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), g.cfg.ConnectRetries), ctx)

	return backoff.Retry(func() error {
		err := wait(ctx, g.client.Connect())
		if err != nil {
			g.log.Warnf("Failed to connect to MQTT broker %s: %s", g.cfg.BrokerURL, err)
		}

		return err
	}, b)
}

// onConnect re-subscribes known processes; the session is clean on reconnect.
func (g *MQTTGateway) onConnect(c MQTT.Client) {
	optionsReader := c.OptionsReader()
	g.log.Infof("Connected to MQTT broker (%s)", optionsReader.ClientID())

	g.mu.Lock()
	topics := make([]string, 0, len(g.topics))
	for topic := range g.topics {
		topics = append(topics, topic)
	}
	g.mu.Unlock()

	for _, topic := range topics {
		if token := c.Subscribe(topic, g.cfg.QoS, g.onMessage); token.Wait() && token.Error() != nil {
			g.log.Errorf("Failed to re-subscribe %s: %s", topic, token.Error())
		}
	}
}

func (g *MQTTGateway) onConnectionLost(c MQTT.Client, err error) {
	optionsReader := c.OptionsReader()
	g.log.Warnf("Connection lost, reconnecting (%v) (%s)", err, optionsReader.ClientID())
}

func (g *MQTTGateway) Subscribe(ctx context.Context, p *models.Process) error {
	topic := ProcessTopic(g.cfg.TopicPrefix, p.Name)

	g.ops.Lock()
	defer g.ops.Unlock()

	g.mu.Lock()
	current, ok := g.subscribed[p.ID]
	shared := len(g.topics[topic]) > 0
	g.mu.Unlock()
	if ok && current == topic {
		return nil
	}

	if !shared {
		err := wait(ctx, g.client.Subscribe(topic, g.cfg.QoS, g.onMessage))
		metrics.IncFleetOperation("subscribe", err)
		if err != nil {
			return fmt.Errorf("failed to subscribe process %d to %s: %w", p.ID, topic, err)
		}
		g.log.Infof("MQTT subscribed (%s)", topic)
	}

	g.mu.Lock()
	g.link(p.ID, topic)
	g.mu.Unlock()

	if ok {
		// the process moved to another topic; let go of the old one
		return g.release(ctx, p.ID, current)
	}

	return nil
}

func (g *MQTTGateway) Unsubscribe(ctx context.Context, p *models.Process) error {
	g.ops.Lock()
	defer g.ops.Unlock()

	g.mu.Lock()
	topic, ok := g.subscribed[p.ID]
	if ok {
		delete(g.subscribed, p.ID)
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}

	return g.release(ctx, p.ID, topic)
}

// link records processID as a user of topic. Callers hold mu.
func (g *MQTTGateway) link(processID int64, topic string) {
	users, ok := g.topics[topic]
	if !ok {
		users = models.NewIDSet()
		g.topics[topic] = users
	}
	users.Add(processID)
	g.subscribed[processID] = topic
}

// release drops processID from topic and unsubscribes the topic once no
// process uses it. On a broker error processID stays a user of topic.
// Callers hold ops.
func (g *MQTTGateway) release(ctx context.Context, processID int64, topic string) error {
	g.mu.Lock()
	users := g.topics[topic]
	users.Remove(processID)
	remaining := len(users)
	g.mu.Unlock()
	if remaining > 0 {
		g.log.Debugf("MQTT topic %s still used by %d processes", topic, remaining)

		return nil
	}

	err := wait(ctx, g.client.Unsubscribe(topic))
	metrics.IncFleetOperation("unsubscribe", err)
	if err != nil {
		g.mu.Lock()
		users.Add(processID)
		if _, moved := g.subscribed[processID]; !moved {
			g.subscribed[processID] = topic
		}
		g.mu.Unlock()

		return fmt.Errorf("failed to unsubscribe process %d from %s: %w", processID, topic, err)
	}

	g.mu.Lock()
	delete(g.topics, topic)
	g.mu.Unlock()
	g.log.Infof("MQTT unsubscribed (%s)", topic)

	return nil
}

// Subscribed returns the number of processes currently subscribed.
func (g *MQTTGateway) Subscribed() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.subscribed)
}

// Topics returns the broker topics currently subscribed.
func (g *MQTTGateway) Topics() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	topics := make([]string, 0, len(g.topics))
	for topic := range g.topics {
		topics = append(topics, topic)
	}

	return topics
}

func (g *MQTTGateway) onMessage(_ MQTT.Client, message MQTT.Message) {
	g.dispatch(message.Topic(), message.Payload())
}

// dispatch routes decoded updates: alive tags to the heartbeat sink, all
// others to the tag value sink.
func (g *MQTTGateway) dispatch(topic string, payload []byte) {
	updates, err := DecodeUpdates(payload)
	if err != nil {
		g.log.Warnf("Message on %s not processed: %s", topic, err)

		return
	}

	g.mu.Lock()
	values := g.values
	g.mu.Unlock()

	for _, u := range updates {
		if g.heartbeats != nil && g.heartbeats.Heartbeat(u.TagID, u.Time()) {
			continue
		}
		if values == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), constants.FleetCallTimeout)
		if err := values.ApplyTagValue(ctx, u.TagID, u.Value, u.Time()); err != nil {
			g.log.Debugf("Tag value for %d on %s dropped: %s", u.TagID, topic, err)
		}
		cancel()
	}
}

// ReadinessCheck reports whether the broker connection is up.
func (g *MQTTGateway) ReadinessCheck() healthcheck.Check {
	return func() error {
		if g.client.IsConnected() {
			return nil
		}

		return errors.New("not connected")
	}
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (g *MQTTGateway) Close() {
	g.client.Disconnect(250)
}

func wait(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
