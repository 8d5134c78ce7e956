// Package relay forwards collaboration events to Kafka so that other
// services (notifications, analytics, search pipelines) can consume the
// document activity stream. Delivery is best effort: events that cannot
// be published after a bounded number of retries are dropped.
package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"

	"cowrite/api/internal/collab"
)

// Options tunes the dispatcher's local queue and retry behavior.
type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

// Dispatcher publishes collaboration events to a Kafka topic via a bounded
// in-process queue. Publish never blocks the collaboration path: when the
// queue is full the event is dropped.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan collab.Event
	opts     Options
	done     chan struct{}
}

var _ collab.Broadcaster = (*Dispatcher)(nil)

// NewDispatcher starts the worker goroutines and returns the dispatcher.
func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan collab.Event, opts.QueueSize),
		opts:     opts,
		done:     make(chan struct{}),
	}
	for i := 0; i < opts.Workers; i++ {
		go d.workerLoop(i)
	}
	return d
}

// Publish enqueues the event for asynchronous delivery. It never blocks;
// if the local queue is full the event is dropped.
func (d *Dispatcher) Publish(documentID string, event collab.Event) {
	select {
	case d.queue <- event:
	default:
		log.Printf("relay: queue full, drop event doc=%s type=%s", documentID, event.Type)
	}
}

// PublishExcept behaves like Publish. Kafka consumers have no notion of an
// originating connection, so the exclusion does not apply here.
func (d *Dispatcher) PublishExcept(documentID, exceptConnID string, event collab.Event) {
	d.Publish(documentID, event)
}

// Close stops accepting events and waits for the workers to drain the queue.
func (d *Dispatcher) Close() {
	close(d.queue)
	for i := 0; i < d.opts.Workers; i++ {
		<-d.done
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer func() { d.done <- struct{}{} }()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt collab.Event) {
	for attempt := 0; ; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.opts.MaxRetry {
			log.Printf("relay: send failed, drop event doc=%s type=%s worker=%d err=%v",
				evt.DocumentID, evt.Type, workerID, err)
			return
		}
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt collab.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
