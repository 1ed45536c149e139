package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/infrastructure/eventsource"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/subscriptions"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultEventName is the name of the events that carry notifications
const DefaultEventName string = "notification"

// EventStream delivers server push events until ctx is cancelled
type EventStream interface {
	Subscribe(ctx context.Context, handler func(event string, data []byte)) error
}

// NotificationApplier refreshes the entities with the given ids
type NotificationApplier interface {
	ApplyNotificationIDs(ctx context.Context, ids []string)
}

var tracer = otel.Tracer("ngsi-feature-sync/subscriptions")

var errStreamEnded = errors.New("event stream ended")

type action func()

// Channel turns pushed notification messages into entity refreshes. Messages
// are handled one at a time in the order they arrive.
type Channel struct {
	url       string
	eventName string
	stream    EventStream
	applier   NotificationApplier

	newBackOff func() backoff.BackOff
	// streamDown is set while the stream is being re-established
	streamDown atomic.Bool

	cancel context.CancelFunc
	queue  chan action
	done   chan struct{}

	mu     sync.Mutex
	open   bool
	closed atomic.Bool
}

func WithEventStream(stream EventStream) func(*Channel) {
	return func(c *Channel) {
		c.stream = stream
	}
}

// WithReconnectBackOff sets the backoff used between attempts to re-establish
// a failed event stream
func WithReconnectBackOff(newBackOff func() backoff.BackOff) func(*Channel) {
	return func(c *Channel) {
		c.newBackOff = newBackOff
	}
}

func WithEventName(name string) func(*Channel) {
	return func(c *Channel) {
		c.eventName = name
	}
}

func Open(ctx context.Context, eventSourceURL string, applier NotificationApplier, options ...func(*Channel)) (*Channel, error) {
	u, err := url.Parse(eventSourceURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid event source url %q", eventSourceURL)
	}

	c := &Channel{
		url:        eventSourceURL,
		eventName:  DefaultEventName,
		applier:    applier,
		newBackOff: reconnectBackOff,
		queue:      make(chan action, 32),
		done:       make(chan struct{}),
		open:       true,
	}

	for _, option := range options {
		option(c)
	}

	if c.stream == nil {
		c.stream = eventsource.New(eventSourceURL)
	}

	ctx = logging.NewContextWithLogger(ctx, logging.GetFromContext(ctx), "event_source", eventSourceURL)

	var streamCtx context.Context
	streamCtx, c.cancel = context.WithCancel(ctx)

	go c.run()

	go c.listen(streamCtx)

	return c, nil
}

func reconnectBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	return b
}

// listen keeps the stream subscribed until the channel is closed. A stream
// that fails or ends is subscribed to again, without any limit on the number
// of attempts or the time spent.
func (c *Channel) listen(ctx context.Context) {
	log := logging.GetFromContext(ctx)

	handler := func(event string, data []byte) {
		c.streamDown.Store(false)

		if event != c.eventName {
			return
		}
		c.enqueue(func() {
			c.HandleMessage(ctx, data)
		})
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.stream.Subscribe(ctx, handler)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		if err == nil {
			err = errStreamEnded
		}

		c.streamDown.Store(true)
		return struct{}{}, err
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("event stream failed, subscribing again", "err", err.Error(), "retry_in", next.String())
		}),
	)

	if err != nil && !c.closed.Load() {
		log.Error("event stream stopped", "err", err.Error())
	}
}

func (c *Channel) URL() string {
	return c.url
}

func (c *Channel) enqueue(a action) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return
	}

	c.queue <- a
}

// HandleMessage parses both layers of a pushed message and requests a
// refresh of every entity it names. Malformed messages are logged and
// skipped.
func (c *Channel) HandleMessage(ctx context.Context, data []byte) (err error) {
	if c.closed.Load() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "handle-notification")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ids, err := subscriptions.EntityIDsFromEnvelope(data)
	if err != nil {
		logging.GetFromContext(ctx).Warn("skipping malformed notification", "err", err.Error())
		return err
	}

	span.SetAttributes(attribute.Int("entity-count", len(ids)))

	if len(ids) == 0 {
		return nil
	}

	c.applier.ApplyNotificationIDs(ctx, ids)

	return nil
}

// Close stops the delivery of messages. Messages that arrive, or are still
// queued, after Close returns are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.closed.Store(true)
	c.cancel()
	close(c.queue)
	c.mu.Unlock()

	<-c.done
}

// IsOpen reports whether the channel is open and its stream is delivering. It
// is false while a failed stream is being re-established.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.streamDown.Load()
}

func (c *Channel) run() {
	defer close(c.done)

	// repeat until the queue is closed
	for action := range c.queue {
		if c.closed.Load() {
			continue
		}

		action()
	}
}
