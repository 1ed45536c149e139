package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/discovery"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/livesource"
	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/subscriptions"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/client"
	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/format"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

var (
	ErrUnknownLayer  = errors.New("unknown layer")
	ErrSessionClosed = errors.New("session closed")
)

// Layer is a live source of one entity type together with its optional
// notification channel
type Layer struct {
	Name       string
	EntityType string
	Source     *livesource.Source

	channel *subscriptions.Channel
	visible atomic.Bool
}

func (l *Layer) Visible() bool {
	return l.visible.Load()
}

// Live reports whether the layer receives change notifications
func (l *Layer) Live() bool {
	return l.channel != nil && l.channel.IsOpen()
}

func (l *Layer) close() {
	if l.channel != nil {
		l.channel.Close()
	}
	l.Source.Close()
}

// Session owns the broker client and every layer created through it
type Session struct {
	cfg    Config
	client client.ContextBrokerClient

	streamFactory func(url string) subscriptions.EventStream
	newBackOff    func() backoff.BackOff
	loadTries     uint

	mu           sync.RWMutex
	eventSources map[string]string
	layers       map[string]*Layer
	order        []string
	closed       bool
}

func WithClient(c client.ContextBrokerClient) func(*Session) {
	return func(s *Session) {
		s.client = c
	}
}

// WithEventStreams replaces the server push connection used by layers
func WithEventStreams(factory func(url string) subscriptions.EventStream) func(*Session) {
	return func(s *Session) {
		s.streamFactory = factory
	}
}

func WithLoadRetries(tries uint, newBackOff func() backoff.BackOff) func(*Session) {
	return func(s *Session) {
		s.loadTries = tries
		s.newBackOff = newBackOff
	}
}

func New(ctx context.Context, cfg Config, options ...func(*Session)) (*Session, error) {
	s := &Session{
		cfg:          cfg,
		loadTries:    5,
		eventSources: map[string]string{},
		layers:       map[string]*Layer{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = 30 * time.Second
			return b
		},
	}

	for _, option := range options {
		option(s)
	}

	if s.client == nil {
		if cfg.Broker.URL == "" {
			return nil, fmt.Errorf("no context broker url configured")
		}

		dialect, err := client.ParseDialect(cfg.Broker.Dialect)
		if err != nil {
			return nil, err
		}

		clientOptions := []client.Option{client.WithDialect(dialect)}
		if cfg.Broker.Tenant != "" {
			clientOptions = append(clientOptions, client.Tenant(cfg.Broker.Tenant))
		}
		if len(cfg.Broker.Headers) > 0 {
			headers := map[string][]string{}
			for k, v := range cfg.Broker.Headers {
				headers[k] = []string{v}
			}
			clientOptions = append(clientOptions, client.WithHeaders(headers))
		}

		s.client = client.NewContextBrokerClient(cfg.Broker.URL, clientOptions...)
	}

	return s, nil
}

func (s *Session) Client() client.ContextBrokerClient {
	return s.client
}

// Start discovers the available event sources and adds every configured
// layer. A failed discovery only disables change notifications.
func (s *Session) Start(ctx context.Context) error {
	log := logging.GetFromContext(ctx)

	sources, err := discovery.DiscoverEventSources(ctx, s.client)
	if err != nil {
		log.Warn("event source discovery failed, layers will not receive notifications", "err", err.Error())
	} else {
		s.mu.Lock()
		s.eventSources = sources
		s.mu.Unlock()
		log.Info("discovered event sources", "count", len(sources))
	}

	errs := []error{}

	for _, lc := range s.cfg.Layers {
		if _, err := s.AddLayer(ctx, lc); err != nil {
			log.Error("failed to add layer", "type", lc.EntityType, "err", err.Error())
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// LayerName returns the last path segment of an entity type
func LayerName(entityType string) string {
	return entityType[strings.LastIndex(entityType, "/")+1:]
}

// AddLayer creates a live source for the entity type, loads it and, when an
// event source is known for the type, opens a notification channel for it
func (s *Session) AddLayer(ctx context.Context, lc LayerConfig) (*Layer, error) {
	if lc.EntityType == "" {
		return nil, ngsierrors.NewBadRequestDataError("layers must have an entity type")
	}

	name := LayerName(lc.EntityType)
	log := logging.GetFromContext(ctx).With("layer", name)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if _, exists := s.layers[name]; exists {
		s.mu.Unlock()
		return nil, ngsierrors.NewAlreadyExistsError(fmt.Sprintf("layer %s already exists", name))
	}
	// reserve the name while loading
	s.layers[name] = nil
	eventSourceURL, found := s.eventSources[name]
	s.mu.Unlock()

	if lc.EventSourceURL != "" {
		eventSourceURL, found = lc.EventSourceURL, true
	}

	layer := &Layer{
		Name:       name,
		EntityType: lc.EntityType,
		Source:     s.newSource(lc),
	}
	layer.visible.Store(!lc.Hidden)

	err := s.load(ctx, layer.Source)
	if err != nil {
		layer.Source.Close()
		s.release(name)
		return nil, err
	}

	if s.isClosed() {
		layer.Source.Close()
		return nil, ErrSessionClosed
	}

	if found {
		channelOptions := []func(*subscriptions.Channel){}
		if s.streamFactory != nil {
			channelOptions = append(channelOptions, subscriptions.WithEventStream(s.streamFactory(eventSourceURL)))
		}

		layer.channel, err = subscriptions.Open(context.WithoutCancel(ctx), eventSourceURL, layer.Source, channelOptions...)
		if err != nil {
			log.Warn("unable to open notification channel", "err", err.Error())
		}
	} else {
		log.Info("no event source found for layer")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		layer.close()
		return nil, ErrSessionClosed
	}
	s.layers[name] = layer
	s.order = append(s.order, name)
	s.mu.Unlock()

	log.Info("layer added", "features", layer.Source.Len(), "live", layer.Live())

	return layer, nil
}

func (s *Session) newSource(lc LayerConfig) *livesource.Source {
	formatOptions := []func(*format.Options){format.TypeName(lc.EntityType)}
	if lc.GeoProperty != "" {
		formatOptions = append(formatOptions, format.GeoProperty(lc.GeoProperty))
	}
	if lc.GeometryName != "" {
		formatOptions = append(formatOptions, format.GeometryName(lc.GeometryName))
	}
	if s.cfg.DataProjection != "" {
		formatOptions = append(formatOptions, format.DataProjection(s.cfg.DataProjection))
	}
	if s.cfg.Projection != "" {
		formatOptions = append(formatOptions, format.FeatureProjection(s.cfg.Projection))
	}

	sourceOptions := []func(*livesource.Source){
		livesource.WithFormat(format.New(formatOptions...)),
		livesource.WithMonotonicRefresh(lc.MonotonicRefresh),
		livesource.WithRefreshTimeout(30 * time.Second),
	}
	if s.cfg.DataProjection != "" {
		sourceOptions = append(sourceOptions, livesource.WithDataProjection(s.cfg.DataProjection))
	}
	if s.cfg.Projection != "" {
		sourceOptions = append(sourceOptions, livesource.WithProjection(s.cfg.Projection))
	}

	return livesource.New(s.client, lc.EntityType, sourceOptions...)
}

// load retries the initial load. Every attempt releases its extent on
// failure, so each retry is a fresh load.
func (s *Session) load(ctx context.Context, src *livesource.Source) error {
	log := logging.GetFromContext(ctx)

	_, err := backoff.Retry(ctx, func() (int, error) {
		err := src.LoadExtent(ctx, livesource.AllExtent, 0, "")
		if err != nil {
			if errors.Is(err, ngsierrors.ErrGeometryDecode) {
				return 0, backoff.Permanent(err)
			}
			return 0, err
		}
		return src.Len(), nil
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.loadTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("loading layer failed, retrying", "type", src.EntityType(), "err", err.Error(), "retry_in", next.String())
		}),
	)

	return err
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layers, name)
}

func (s *Session) RemoveLayer(name string) error {
	s.mu.Lock()
	layer, ok := s.layers[name]
	if !ok || layer == nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownLayer)
	}
	delete(s.layers, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	s.mu.Unlock()

	layer.close()
	layer.Source.Clear()
	return nil
}

func (s *Session) Layer(name string) (*Layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	layer, ok := s.layers[name]
	return layer, ok && layer != nil
}

// Layers returns the layers in the order they were added
func (s *Session) Layers() []*Layer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Layer, 0, len(s.order))
	for _, name := range s.order {
		result = append(result, s.layers[name])
	}
	return result
}

func (s *Session) SetVisible(name string, visible bool) error {
	layer, ok := s.Layer(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownLayer)
	}
	layer.visible.Store(visible)
	return nil
}

// EntityTypes lists the entity types known by the broker
func (s *Session) EntityTypes(ctx context.Context) ([]string, error) {
	return client.ListTypeNames(ctx, s.client)
}

// Close disposes every layer. Layers still loading are disposed when their
// load completes. The session can not be used afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	layers := make([]*Layer, 0, len(s.layers))
	for _, name := range s.order {
		layers = append(layers, s.layers[name])
	}
	s.layers = map[string]*Layer{}
	s.order = nil
	s.mu.Unlock()

	for _, l := range layers {
		l.close()
	}
}
