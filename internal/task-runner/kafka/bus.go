package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"

	"task-runner-service/internal/task-runner/events"
)

const DefaultOutboxSize = 1024

// SignalSink applies a signal to a task running in this process.
type SignalSink interface {
	ApplySignal(sig events.Signal) bool
}

// Deliverer hands relayed events to local subscribers.
type Deliverer interface {
	Deliver(ev events.Event)
}

// Bus connects the runners sharing one store: it relays committed events to every runner's
// hub and routes cancel/early-stop signals to the owning runner.
type Bus struct {
	runnerID string

	eventWriter  Writer
	signalWriter Writer
	eventReader  Reader
	signalReader Reader

	hub  Deliverer
	sink SignalSink

	outbox chan events.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Config struct {
	Brokers     []string
	EventTopic  string
	SignalTopic string
	RunnerID    string
	// GroupID must stay the same across restarts of one runner. Defaults to "task-runner-" + RunnerID.
	GroupID    string
	OutboxSize int
}

// NewBus connects to the brokers in cfg.
func NewBus(cfg Config) *Bus {
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if cfg.SignalTopic == "" {
		cfg.SignalTopic = DefaultSignalTopic
	}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "task-runner-" + cfg.RunnerID
	}
	return NewBusWith(cfg.RunnerID, cfg.OutboxSize,
		NewWriter(cfg.Brokers, cfg.EventTopic),
		NewWriter(cfg.Brokers, cfg.SignalTopic),
		NewReader(cfg.Brokers, cfg.EventTopic, groupID),
		NewReader(cfg.Brokers, cfg.SignalTopic, groupID),
	)
}

// NewBusWith builds a bus on existing writers and readers.
func NewBusWith(runnerID string, outboxSize int, eventWriter, signalWriter Writer, eventReader, signalReader Reader) *Bus {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	return &Bus{
		runnerID:     runnerID,
		eventWriter:  eventWriter,
		signalWriter: signalWriter,
		eventReader:  eventReader,
		signalReader: signalReader,
		outbox:       make(chan events.Event, outboxSize),
	}
}

// Attach sets where relayed events and signals go. Call it before Start.
func (b *Bus) Attach(hub Deliverer, sink SignalSink) {
	b.hub = hub
	b.sink = sink
}

// Forward queues a locally committed event for the other runners. It never blocks the
// committing work function: when the outbox is full the event is dropped, and remote
// followers catch up from the log.
func (b *Bus) Forward(ev events.Event) {
	select {
	case b.outbox <- ev:
	default:
		hlog.Warnf("Bus: outbox full, event %d of task %s not relayed", ev.Seq, ev.TaskID)
	}
}

// Route publishes sig for the runner that owns the task.
func (b *Bus) Route(ctx context.Context, sig events.Signal) error {
	if sig.Origin == "" {
		sig.Origin = b.runnerID
	}
	value, err := EncodeSignal(sig)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.signalWriter.WriteMessages(writeCtx, kafka.Message{Key: []byte(sig.TaskID), Value: value}); err != nil {
		return fmt.Errorf("failed to route %s signal for task %s: %w", sig.Kind, sig.TaskID, err)
	}
	return nil
}

// Start runs the publish and consume loops until Close.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.publishLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.consume(ctx, "events", b.eventReader, b.handleEvent)
	}()
	go func() {
		defer b.wg.Done()
		b.consume(ctx, "signals", b.signalReader, b.handleSignal)
	}()
	hlog.Infof("Bus: started for runner %s", b.runnerID)
}

func (b *Bus) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.outbox:
			if ev.Origin == "" {
				ev.Origin = b.runnerID
			}
			value, err := EncodeEvent(ev)
			if err != nil {
				hlog.Errorf("Bus: %v", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = b.eventWriter.WriteMessages(writeCtx, kafka.Message{Key: []byte(ev.TaskID), Value: value})
			cancel()
			if err != nil {
				hlog.Errorf("Bus: failed to relay event %d of task %s: %v", ev.Seq, ev.TaskID, err)
			}
		}
	}
}

func (b *Bus) consume(ctx context.Context, name string, r Reader, handle func(kafka.Message)) {
	for {
		select {
		case <-ctx.Done():
			hlog.Infof("Bus: %s consumer stopping", name)
			return
		default:
		}
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		msg, err := r.ReadMessage(readCtx)
		cancel()

		switch {
		case err == nil:
			handle(msg)
		case ctx.Err() != nil, errors.Is(err, context.Canceled):
			hlog.Infof("Bus: %s consumer stopping", name)
			return
		case errors.Is(err, context.DeadlineExceeded):
		case errors.Is(err, io.EOF):
			hlog.Infof("Bus: %s reader closed, stopping", name)
			return
		default:
			hlog.Errorf("Bus: error reading %s: %v", name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (b *Bus) handleEvent(msg kafka.Message) {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		hlog.Warnf("Bus: dropping event message at offset %d: %v", msg.Offset, err)
		return
	}
	if ev.Origin == b.runnerID || b.hub == nil {
		return
	}
	b.hub.Deliver(ev)
}

func (b *Bus) handleSignal(msg kafka.Message) {
	sig, err := DecodeSignal(msg.Value)
	if err != nil {
		hlog.Warnf("Bus: dropping signal message at offset %d: %v", msg.Offset, err)
		return
	}
	if sig.RunnerID != "" && sig.RunnerID != b.runnerID {
		return
	}
	if b.sink == nil || !b.sink.ApplySignal(sig) {
		hlog.Warnf("Bus: %s signal for task %s has no local task, the heartbeat will pick up the persisted intent",
			sig.Kind, sig.TaskID)
		return
	}
	hlog.Infof("Bus: applied %s signal for task %s from runner %s", sig.Kind, sig.TaskID, sig.Origin)
}

// Close stops the loops and closes the readers and writers.
func (b *Bus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	var errs []error
	for _, c := range []interface{ Close() error }{b.eventReader, b.signalReader} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	for _, c := range []interface{ Close() error }{b.eventWriter, b.signalWriter} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	hlog.Infof("Bus: closed")
	return errors.Join(errs...)
}
