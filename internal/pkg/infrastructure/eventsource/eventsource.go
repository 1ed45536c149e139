package eventsource

import (
	"context"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/r3labs/sse/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Stream is a server push connection to a single event source url
type Stream struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

func WithHeader(key, value string) func(*Stream) {
	return func(s *Stream) {
		s.headers[key] = value
	}
}

func WithHTTPClient(httpClient *http.Client) func(*Stream) {
	return func(s *Stream) {
		s.httpClient = httpClient
	}
}

func New(url string, options ...func(*Stream)) *Stream {
	s := &Stream{
		url:     url,
		headers: map[string]string{},
	}

	for _, option := range options {
		option(s)
	}

	if s.httpClient == nil {
		s.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return s
}

// Subscribe connects to the event source and calls handler for every
// received event until ctx is cancelled. Lost connections are retried.
func (s *Stream) Subscribe(ctx context.Context, handler func(event string, data []byte)) error {
	log := logging.GetFromContext(ctx).With("url", s.url)

	client := sse.NewClient(s.url)
	client.Connection = s.httpClient

	for k, v := range s.headers {
		client.Headers[k] = v
	}

	client.OnConnect(func(*sse.Client) {
		log.Info("connected to event source")
	})

	client.OnDisconnect(func(*sse.Client) {
		log.Warn("disconnected from event source")
	})

	err := client.SubscribeWithContext(ctx, "", func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}

		event := string(msg.Event)
		if event == "" {
			event = "message"
		}

		handler(event, msg.Data)
	})

	if ctx.Err() != nil {
		return nil
	}

	return err
}
