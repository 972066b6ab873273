// Package publish forwards telemetry to an MQTT broker and accepts remote
// commands on a command topic.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"obdash/internal/models"
	"obdash/internal/obd"
	"obdash/internal/store"
	"obdash/pkg/log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultBroker   = "tcp://localhost:1883"
	DefaultClientID = "obdash"
	DefaultTopic    = "vehicle/obd"

	CommandReadDTCs = "read_dtcs"

	disconnectQuiesce = 250
	commandTimeout    = 10 * time.Second
)

var ErrNotConnected = errors.New("publish: not connected to broker")

type Config struct {
	Broker   string
	ClientID string
	// Topic carries readings; status, DTCs and commands use sub topics
	// unless set explicitly.
	Topic        string
	StatusTopic  string
	DTCTopic     string
	CommandTopic string
	Interval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.StatusTopic == "" {
		c.StatusTopic = c.Topic + "/status"
	}
	if c.DTCTopic == "" {
		c.DTCTopic = c.Topic + "/dtc"
	}
	if c.CommandTopic == "" {
		c.CommandTopic = c.Topic + "/command"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Command is the JSON payload accepted on the command topic.
type Command struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	State      obd.ConnectionState `json:"state"`
	Simulating bool                `json:"simulating"`
	Stamp      int64               `json:"stamp"`
}

type DTCMessage struct {
	Codes []models.DTCEntry `json:"codes"`
	Stamp int64             `json:"stamp"`
}

// DTCReader serves remote read_dtcs commands.
type DTCReader func(ctx context.Context) ([]models.DTCEntry, error)

// Publisher sends the latest snapshot on a fixed interval, so the broker
// sees a steady rate regardless of how fast the adapter polls.
type Publisher struct {
	cfg     Config
	client  mqtt.Client
	readDTC DTCReader

	mu     sync.Mutex
	latest *store.Snapshot
	sent   time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds a publisher backed by a paho client.
func New(cfg Config, readDTC DTCReader) *Publisher {
	cfg = cfg.withDefaults()
	p := newPublisher(cfg, nil, readDTC)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to MQTT broker", zap.String("broker", cfg.Broker))
		p.subscribeCommands()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})
	p.client = mqtt.NewClient(opts)
	return p
}

// NewWithClient wraps an existing client, typically a test double.
func NewWithClient(cfg Config, client mqtt.Client, readDTC DTCReader) *Publisher {
	return newPublisher(cfg.withDefaults(), client, readDTC)
}

func newPublisher(cfg Config, client mqtt.Client, readDTC DTCReader) *Publisher {
	return &Publisher{
		cfg:     cfg,
		client:  client,
		readDTC: readDTC,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *Publisher) Connect() error {
	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Observe is a store.Sink; it only remembers the newest snapshot.
func (p *Publisher) Observe(snap store.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = &snap
}

// Start publishes on every interval tick until Stop.
func (p *Publisher) Start() {
	log.Info("publishing to MQTT", zap.String("topic", p.cfg.Topic), zap.Duration("interval", p.cfg.Interval))
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.PublishLatest(); err != nil && !errors.Is(err, ErrNotConnected) {
					log.Warn("failed to publish reading", zap.Error(err))
				}
			}
		}
	}()
}

// Stop halts the ticker and disconnects from the broker.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		select {
		case <-p.done:
		case <-time.After(time.Second):
		}
		if p.client.IsConnected() {
			p.client.Disconnect(disconnectQuiesce)
		}
	})
}

// PublishLatest sends the newest snapshot if it has not been sent yet.
func (p *Publisher) PublishLatest() error {
	p.mu.Lock()
	snap := p.latest
	if snap == nil || !snap.Stamp.After(p.sent) {
		p.mu.Unlock()
		return nil
	}
	p.sent = snap.Stamp
	p.mu.Unlock()

	if err := p.publish(p.cfg.Topic, false, snap); err != nil {
		return err
	}
	log.Debug("reading published", zap.String("topic", p.cfg.Topic))
	return nil
}

// PublishStatus is a store.StatusSink. Status is retained so late
// subscribers see the current link state.
func (p *Publisher) PublishStatus(state obd.ConnectionState, simulating bool) {
	msg := StatusMessage{State: state, Simulating: simulating, Stamp: time.Now().UnixMilli()}
	if err := p.publish(p.cfg.StatusTopic, true, msg); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn("failed to publish status", zap.Error(err))
	}
}

func (p *Publisher) PublishDTCs(entries []models.DTCEntry) error {
	return p.publish(p.cfg.DTCTopic, false, DTCMessage{Codes: entries, Stamp: time.Now().UnixMilli()})
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, 0, retained, data)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (p *Publisher) subscribeCommands() {
	token := p.client.Subscribe(p.cfg.CommandTopic, 1, p.handleCommand)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			log.Error("failed to subscribe to command topic", zap.String("topic", p.cfg.CommandTopic), zap.Error(err))
			return
		}
		log.Info("subscribed to command topic", zap.String("topic", p.cfg.CommandTopic))
	}()
}

func (p *Publisher) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Warn("invalid command payload", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	switch cmd.Type {
	case CommandReadDTCs:
		if p.readDTC == nil {
			log.Warn("no DTC reader configured")
			return
		}
		// Reading DTCs blocks up to the command timeout; keep the paho router free.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			entries, err := p.readDTC(ctx)
			if err != nil {
				log.Error("remote DTC read failed", zap.Error(err))
				return
			}
			if err := p.PublishDTCs(entries); err != nil {
				log.Error("failed to publish DTCs", zap.Error(err))
			}
		}()
	default:
		log.Warn("unknown command", zap.String("type", cmd.Type))
	}
}
