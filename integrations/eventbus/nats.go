package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"nhblend/core/events"
	"nhblend/core/types"
	"nhblend/observability"
)

const (
	// DefaultSubjectPrefix roots every published subject.
	DefaultSubjectPrefix = "nhb.events"
	// DefaultStream is the JetStream stream that captures the prefix.
	DefaultStream = "NHB_LENDING_EVENTS"

	defaultQueueSize      = 512
	defaultPublishTimeout = 5 * time.Second
	defaultMaxAge         = 72 * time.Hour
)

// Message is the JSON body published for each engine event.
type Message struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emittedAt"`
}

// Config describes the broker connection.
type Config struct {
	URL           string
	SubjectPrefix string
	Stream        string
	MaxAge        time.Duration
}

// publisher is the slice of jetstream.JetStream the bus needs.
type publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Bus publishes engine events to NATS JetStream. It implements
// events.Emitter; Emit never blocks and drops events when the queue is full.
type Bus struct {
	js      publisher
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	closeFn func()

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Message
	wg     sync.WaitGroup
}

// Connect dials the broker, ensures the stream exists and starts a bus.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("eventbus: url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("lendingd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: jetstream: %w", err)
	}
	prefix := subjectPrefix(cfg.SubjectPrefix)
	if err := ensureStream(ctx, js, cfg, prefix); err != nil {
		nc.Close()
		return nil, err
	}
	bus := New(js, prefix, logger)
	bus.closeFn = func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return bus, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg Config, prefix string) error {
	name := strings.TrimSpace(cfg.Stream)
	if name == "" {
		name = DefaultStream
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("eventbus: ensure stream %s: %w", name, err)
	}
	return nil
}

// New starts a bus over an existing JetStream handle.
func New(js publisher, prefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		js:      js,
		prefix:  subjectPrefix(prefix),
		timeout: defaultPublishTimeout,
		logger:  logger.With(slog.String("component", "lending-eventbus")),
		now:     time.Now,
		newID:   uuid.NewString,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan Message, defaultQueueSize),
	}
	bus.wg.Add(1)
	go bus.worker()
	return bus
}

// Subject returns the subject an event type is published under.
func (b *Bus) Subject(eventType string) string {
	return b.prefix + "." + eventType
}

// Emit implements events.Emitter.
func (b *Bus) Emit(evt events.Event) {
	if b == nil || evt == nil {
		return
	}
	msg := Message{ID: b.newID(), Type: evt.EventType(), EmittedAt: b.now().UTC()}
	if withPayload, ok := evt.(interface{ Event() *types.Event }); ok {
		if inner := withPayload.Event(); inner != nil {
			msg.Attributes = inner.Attributes
		}
	}
	select {
	case <-b.ctx.Done():
		observability.Events().RecordDropped(msg.Type)
		return
	default:
	}
	select {
	case b.queue <- msg:
	default:
		observability.Events().RecordDropped(msg.Type)
		b.logger.Warn("event dropped", slog.String("type", msg.Type), slog.String("reason", "queue full"))
	}
}

// Close drains queued messages, then releases the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	if b.closeFn != nil {
		b.closeFn()
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.queue:
			b.publish(msg)
		case <-b.ctx.Done():
			for {
				select {
				case msg := <-b.queue:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("encode event", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	// The message id doubles as the JetStream dedupe key.
	if _, err := b.js.Publish(ctx, b.Subject(msg.Type), data, jetstream.WithMsgID(msg.ID)); err != nil {
		observability.Events().RecordDropped(msg.Type)
		b.logger.Warn("event publish failed", slog.String("type", msg.Type), slog.Any("error", err))
		return
	}
	observability.Events().RecordPublished(msg.Type)
}

func subjectPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}

var _ events.Emitter = (*Bus)(nil)
