// Package events publishes asset change events to Kafka. Publishing is
// best-effort and never blocks the request path.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"

	"github.com/gena/ee-map-draw-demo/internal/core/observability"
)

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
	ActionCleared = "cleared"
)

type Event struct {
	Action  string    `json:"action"`
	AssetID string    `json:"asset_id,omitempty"`
	Cell    string    `json:"h3,omitempty"`
	Count   int       `json:"count,omitempty"` // cleared only
	TS      time.Time `json:"ts"`
}

// Publisher delivers events; Nop is used when Kafka is not configured.
type Publisher interface {
	Publish(ev Event)
	Close() error
}

type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close() error  { return nil }

type kafkaPublisher struct {
	topic   string
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int) (Publisher, error) {
	if queueSize <= 0 {
		queueSize = 1024
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}

	p := &kafkaPublisher{
		topic:   topic,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("events: marshal error: %v", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.AssetID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		for err := range p.prod.Errors() {
			if err != nil {
				log.Printf("events: producer error: %v", err)
			}
		}
	}()

	return p, nil
}

func (p *kafkaPublisher) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	select {
	case p.events <- ev:
		observability.ObserveAssetEvent(ev.Action, true)
	default:
		// queue full → drop, the store already committed the change
		observability.ObserveAssetEvent(ev.Action, false)
	}
}

func (p *kafkaPublisher) Close() error {
	close(p.events)
	<-p.stopped

	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
