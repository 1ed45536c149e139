package livesource

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/features"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/client"
	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/format"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/geojson"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/paulmach/orb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BrokerClient is the part of the broker client used by a live source
type BrokerClient interface {
	client.EntityLister
	RetrieveEntity(ctx context.Context, entityID string) (types.Entity, error)
	UpdateEntityAttributes(ctx context.Context, entityID string, fragment types.EntityFragment) (*ngsild.UpdateEntityAttributesResult, error)
}

// Loader loads the features covering an extent
type Loader interface {
	LoadExtent(ctx context.Context, extent orb.Bound, resolution float64, projection string) error
}

var tracer = otel.Tracer("ngsi-feature-sync/livesource")

const (
	TraceAttributeEntityID   string = "entity-id"
	TraceAttributeEntityType string = "entity-type"
)

type Source struct {
	client     BrokerClient
	entityType string
	codec      format.Codec
	strategy   Strategy

	dataProjection string
	projection     string
	monotonic      bool
	refreshTimeout time.Duration

	features *features.Collection

	mergeMu sync.Mutex

	mu            sync.Mutex
	state         State
	loadedExtents []orb.Bound
	closed        bool
	issued        map[string]uint64
	applied       map[string]uint64

	inflight sync.WaitGroup
}

func WithFormat(codec format.Codec) func(*Source) {
	return func(s *Source) {
		s.codec = codec
	}
}

// WithDataProjection sets the projection of the geometries stored in the broker
func WithDataProjection(code string) func(*Source) {
	return func(s *Source) {
		s.dataProjection = code
	}
}

// WithProjection sets the working projection of the features
func WithProjection(code string) func(*Source) {
	return func(s *Source) {
		s.projection = code
	}
}

// WithMonotonicRefresh makes sure that a refresh response is only applied if
// no later refresh of the same entity has been applied already
func WithMonotonicRefresh(enabled bool) func(*Source) {
	return func(s *Source) {
		s.monotonic = enabled
	}
}

func WithRefreshTimeout(timeout time.Duration) func(*Source) {
	return func(s *Source) {
		s.refreshTimeout = timeout
	}
}

func WithStrategy(strategy Strategy) func(*Source) {
	return func(s *Source) {
		s.strategy = strategy
	}
}

func New(c BrokerClient, entityType string, options ...func(*Source)) *Source {
	s := &Source{
		client:         c,
		entityType:     entityType,
		strategy:       All,
		dataProjection: geojson.DefaultDataProjection,
		features:       features.NewCollection(),
		state:          Unloaded,
		issued:         map[string]uint64{},
		applied:        map[string]uint64{},
	}

	for _, option := range options {
		option(s)
	}

	if s.codec == nil {
		s.codec = format.New(
			format.TypeName(entityType),
			format.DataProjection(s.dataProjection),
			format.FeatureProjection(s.projection),
		)
	}

	return s
}

func (s *Source) EntityType() string {
	return s.entityType
}

func (s *Source) Projection() string {
	if s.projection == "" {
		return s.dataProjection
	}
	return s.projection
}

func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState records the load state. A closed source stays closed.
func (s *Source) setState(state State) {
	s.mu.Lock()
	if s.closed {
		state = Closed
	}
	s.state = state
	s.mu.Unlock()
}

func (s *Source) projections(projection string) format.ProjectionOptions {
	if projection == "" {
		projection = s.Projection()
	}
	return format.ProjectionOptions{
		DataProjection:    s.dataProjection,
		FeatureProjection: projection,
	}
}

// Load fetches every entity of the source's type and adds the decoded
// features to the collection. Nothing is added unless every page could be
// fetched and every entity decoded.
func (s *Source) Load(ctx context.Context, extent orb.Bound, resolution float64, projection string) (loaded []features.Feature, err error) {
	ctx, span := tracer.Start(ctx, "load-features",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, s.entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	s.setState(Loading)

	all, err := client.FetchAll(ctx, s.client, s.entityType)
	if err != nil {
		s.setState(LoadFailed)
		log.Error("failed to load entities", "type", s.entityType, "err", err.Error())
		return nil, err
	}

	loaded, err = s.codec.DecodeMany(all, s.projections(projection))
	if err != nil {
		s.setState(LoadFailed)
		log.Error("failed to decode entities", "type", s.entityType, "err", err.Error())
		return nil, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		s.setState(Closed)
		return loaded, nil
	}

	s.features.AddMany(loaded)
	s.setState(Loaded)

	log.Info("loaded features", "type", s.entityType, "count", len(loaded))

	return loaded, nil
}

// LoadExtent applies the loading strategy to the requested extent and loads
// the extents that have not been loaded yet. An extent whose load fails is
// released so that a later call can retry it.
func (s *Source) LoadExtent(ctx context.Context, extent orb.Bound, resolution float64, projection string) error {
	for _, e := range s.strategy(extent, resolution) {
		if !s.claimExtent(e) {
			continue
		}

		if _, err := s.Load(ctx, e, resolution, projection); err != nil {
			s.RemoveLoadedExtent(e)
			return err
		}
	}

	return nil
}

func (s *Source) claimExtent(extent orb.Bound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, loaded := range s.loadedExtents {
		if contains(loaded, extent) {
			return false
		}
	}

	s.loadedExtents = append(s.loadedExtents, extent)
	return true
}

func (s *Source) RemoveLoadedExtent(extent orb.Bound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadedExtents = slices.DeleteFunc(s.loadedExtents, func(b orb.Bound) bool {
		return b.Equal(extent)
	})
}

func (s *Source) LoadedExtents() []orb.Bound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.loadedExtents)
}

// ApplyNotificationIDs refreshes each entity concurrently. The refreshes are
// detached from the cancellation of ctx and their outcome is only logged.
func (s *Source) ApplyNotificationIDs(ctx context.Context, ids []string) {
	detached := context.WithoutCancel(ctx)

	for _, id := range ids {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.issued[id]++
		seq := s.issued[id]
		s.mu.Unlock()

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.refresh(detached, id, seq)
		}()
	}
}

func (s *Source) refresh(ctx context.Context, id string, seq uint64) {
	var err error

	if s.refreshTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.refreshTimeout)
		defer cancel()
	}

	ctx, span := tracer.Start(ctx, "refresh-feature",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, s.entityType)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx).With("entity_id", id)

	entity, err := s.client.RetrieveEntity(ctx, id)
	if err != nil {
		err = fmt.Errorf("%s (%w)", err.Error(), ngsierrors.ErrRefetch)
		log.Error("failed to refetch entity", "err", err.Error())
		return
	}

	feature, err := s.codec.DecodeOne(entity, s.projections(""))
	if err != nil {
		err = fmt.Errorf("%s (%w)", err.Error(), ngsierrors.ErrRefetch)
		log.Error("failed to decode refetched entity", "err", err.Error())
		return
	}

	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if !s.acceptRefresh(id, seq) {
		log.Debug("discarding refresh", "seq", seq)
		return
	}

	s.features.Merge(feature)
}

func (s *Source) acceptRefresh(id string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.monotonic {
		if seq < s.applied[id] {
			return false
		}
		s.applied[id] = seq
	}

	return true
}

// Wait blocks until every refresh started by ApplyNotificationIDs is done
func (s *Source) Wait() {
	s.inflight.Wait()
}

// Save applies changes to a feature and sends them to the broker as a
// partial update. The result reports whether the broker accepted the update.
func (s *Source) Save(ctx context.Context, id string, changes map[string]any) bool {
	var err error

	ctx, span := tracer.Start(ctx, "save-feature",
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, s.entityType)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityID, id)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx).With("entity_id", id)

	ok := s.features.Update(id, func(f *features.Feature) {
		for k, v := range changes {
			f.Set(k, v)
		}
	})
	if !ok {
		err = ngsierrors.NewNotFoundError(fmt.Sprintf("no feature with id %s", id))
		log.Error("unable to save feature", "err", err.Error())
		return false
	}

	feature, _ := s.features.Get(id)

	fragment, err := s.codec.EncodeOne(feature, format.ModePatch, s.projections(""))
	if err != nil {
		log.Error("unable to encode feature", "err", err.Error())
		return false
	}

	_, err = s.client.UpdateEntityAttributes(ctx, id, fragment)
	if err != nil {
		err = fmt.Errorf("%s (%w)", err.Error(), ngsierrors.ErrPatchRequest)
		log.Error("failed to patch entity", "err", err.Error())
		return false
	}

	return true
}

// Close stops the source from applying refresh results. Refreshes still in
// flight complete but their results are discarded.
func (s *Source) Close() {
	s.mu.Lock()
	s.closed = true
	s.state = Closed
	s.mu.Unlock()
}

// Clear removes every feature and forgets the loaded extents. Subscribers
// receive a remove event per feature. It returns the number of features removed.
func (s *Source) Clear() int {
	s.mu.Lock()
	s.loadedExtents = nil
	s.mu.Unlock()

	return s.features.Clear()
}

func (s *Source) Features() []features.Feature {
	return s.features.All()
}

func (s *Source) FeaturesInExtent(extent orb.Bound) []features.Feature {
	return s.features.InExtent(extent)
}

func (s *Source) Feature(id string) (features.Feature, bool) {
	return s.features.Get(id)
}

func (s *Source) Len() int {
	return s.features.Len()
}

func (s *Source) Subscribe(callback func(features.Event)) func() {
	return s.features.Subscribe(callback)
}
