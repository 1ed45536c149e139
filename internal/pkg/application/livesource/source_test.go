package livesource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diwise/ngsi-feature-sync/internal/pkg/application/features"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild"
	ngsierrors "github.com/diwise/ngsi-feature-sync/pkg/ngsild/errors"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities"
	"github.com/diwise/ngsi-feature-sync/pkg/ngsild/types/entities/decorators"
	"github.com/matryer/is"
	"github.com/paulmach/orb"
)

func TestLoadAddsAllFeatures(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:1", "a", orb.Point{1, 1}), beach("urn:2", "b", orb.Point{2, 2}), beach("urn:3", "c", orb.Point{3, 3}))

	src := New(broker, "Beach")
	is.Equal(src.State(), Unloaded)

	err := src.LoadExtent(context.Background(), orb.Bound{}, 1.0, "")
	is.NoErr(err)

	is.Equal(src.State(), Loaded)
	is.Equal(src.Len(), 3)
	is.Equal(src.LoadedExtents(), []orb.Bound{AllExtent})

	f, ok := src.Feature("urn:2")
	is.True(ok)
	is.Equal(f.Geometry, orb.Point{2, 2})
	is.Equal(f.Properties["name"], "b")
}

func TestLoadedExtentIsNotLoadedAgain(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:1", "a", orb.Point{1, 1}))

	src := New(broker, "Beach")
	is.NoErr(src.LoadExtent(context.Background(), orb.Bound{}, 1.0, ""))
	is.NoErr(src.LoadExtent(context.Background(), orb.Bound{Max: orb.Point{5, 5}}, 0.5, ""))

	is.Equal(broker.listCalls(), 1)
}

func TestLoadFailureReleasesExtent(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:1", "a", orb.Point{1, 1}))
	broker.listErr = ngsierrors.ErrRequest

	src := New(broker, "Beach")
	err := src.LoadExtent(context.Background(), orb.Bound{}, 1.0, "")

	is.True(errors.Is(err, ngsierrors.ErrFetchPage))
	is.Equal(src.State(), LoadFailed)
	is.Equal(len(src.LoadedExtents()), 0)
	is.Equal(src.Len(), 0)

	broker.listErr = nil
	is.NoErr(src.LoadExtent(context.Background(), orb.Bound{}, 1.0, ""))
	is.Equal(src.State(), Loaded)
	is.Equal(src.Len(), 1)
}

func TestPartialFetchAddsNothing(t *testing.T) {
	is := is.New(t)

	many := make([]types.Entity, 0, 1500)
	for i := range 1500 {
		many = append(many, beach(fmt.Sprintf("urn:%d", i), "x", orb.Point{1, 1}))
	}

	broker := newFakeBroker(many...)
	broker.failAtOffset = 1000

	src := New(broker, "Beach")
	err := src.LoadExtent(context.Background(), orb.Bound{}, 1.0, "")

	is.True(err != nil)
	is.Equal(src.Len(), 0)
	is.Equal(src.State(), LoadFailed)
}

func TestMalformedGeometryFailsLoad(t *testing.T) {
	is := is.New(t)

	broken, err := entities.NewFromJSON([]byte(`{"id":"urn:x","type":"Beach","location":{"type":"GeoProperty","value":{"type":"Point","coordinates":"x"}}}`))
	is.NoErr(err)

	src := New(newFakeBroker(beach("urn:1", "a", orb.Point{1, 1}), broken), "Beach")
	err = src.LoadExtent(context.Background(), orb.Bound{}, 1.0, "")

	is.True(errors.Is(err, ngsierrors.ErrGeometryDecode))
	is.Equal(src.Len(), 0)
}

func TestNotificationKeepsGeometry(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "before", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	broker.respond("urn:A", nil, beach("urn:A", "after", orb.Point{9, 9}))

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Geometry, orb.Point{1, 1})
	is.Equal(f.Properties["name"], "after")
}

func TestNotificationInsertsNewFeature(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "a", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	broker.respond("urn:B", nil, beach("urn:B", "b", orb.Point{2, 2}))

	src.ApplyNotificationIDs(context.Background(), []string{"urn:B"})
	src.Wait()

	f, ok := src.Feature("urn:B")
	is.True(ok)
	is.Equal(f.Geometry, orb.Point{2, 2})
	is.Equal(src.Len(), 2)
}

func TestRefreshesAreDetachedFromCancellation(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker()
	src := loadedSource(is, broker)

	broker.respond("urn:B", nil, beach("urn:B", "b", orb.Point{2, 2}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src.ApplyNotificationIDs(ctx, []string{"urn:B"})
	src.Wait()

	_, ok := src.Feature("urn:B")
	is.True(ok)
}

func TestRefetchErrorKeepsStaleFeature(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "stale", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	broker.fail("urn:A", nil, ngsierrors.ErrRequest)

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "stale")
}

func TestLastResponseToCompleteWins(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	first, second := make(chan struct{}), make(chan struct{})
	broker.respond("urn:A", first, beach("urn:A", "first", orb.Point{1, 1}))
	broker.respond("urn:A", second, beach("urn:A", "second", orb.Point{1, 1}))

	changes := make(chan string, 4)
	src.Subscribe(func(e features.Event) { changes <- e.Feature.Properties["name"].(string) })

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	<-broker.started
	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	<-broker.started

	close(second)
	is.Equal(<-changes, "second")
	close(first)
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "first") // the response that completed last should win
}

func TestMonotonicRefreshDropsStaleResponses(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker, WithMonotonicRefresh(true))

	first, second := make(chan struct{}), make(chan struct{})
	broker.respond("urn:A", first, beach("urn:A", "first", orb.Point{1, 1}))
	broker.respond("urn:A", second, beach("urn:A", "second", orb.Point{1, 1}))

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	<-broker.started
	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	<-broker.started

	close(second)
	close(first)
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "second") // the latest notification should win
}

func TestResultsAfterCloseAreDiscarded(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	gate := make(chan struct{})
	broker.respond("urn:A", gate, beach("urn:A", "late", orb.Point{1, 1}))

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	<-broker.started
	src.Close()
	close(gate)
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "orig")

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	src.Wait()
	is.Equal(broker.retrieveCalls("urn:A"), 1) // closed sources should not refresh
}

func TestLoadAfterCloseLeavesSourceClosed(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	broker.listGate = make(chan struct{})

	src := New(broker, "Beach")

	done := make(chan error)
	go func() {
		done <- src.LoadExtent(context.Background(), AllExtent, 1.0, "")
	}()

	<-broker.listing
	is.Equal(src.State(), Loading)

	src.Close()
	close(broker.listGate)

	is.NoErr(<-done)
	is.Equal(src.State(), Closed)
	is.Equal(src.Len(), 0) // features loaded after close should be discarded
}

func TestClearSendsRemoveEventsAndForgetsExtents(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(
		beach("urn:A", "a", orb.Point{1, 1}),
		beach("urn:B", "b", orb.Point{2, 2}),
	)
	src := loadedSource(is, broker)

	removed := []string{}
	src.Subscribe(func(e features.Event) {
		if e.Type == features.EventRemove {
			removed = append(removed, e.Feature.ID)
		}
	})

	is.Equal(src.Clear(), 2)
	is.Equal(removed, []string{"urn:A", "urn:B"})
	is.Equal(src.Len(), 0)
	is.Equal(len(src.LoadedExtents()), 0)
}

func TestRefreshTimeout(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker, WithRefreshTimeout(10*time.Millisecond))

	broker.respond("urn:A", make(chan struct{}), beach("urn:A", "never", orb.Point{1, 1}))

	src.ApplyNotificationIDs(context.Background(), []string{"urn:A"})
	src.Wait()

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "orig")
}

func TestSavePatchesBroker(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	ok := src.Save(context.Background(), "urn:A", map[string]any{"name": "edited"})
	is.True(ok)

	is.Equal(len(broker.patches), 1)
	b, _ := broker.patches["urn:A"].MarshalJSON()
	is.Equal(string(b), `{"location":{"type":"Point","coordinates":[1,1]},"name":{"type":"Property","value":"edited"}}`)

	f, _ := src.Feature("urn:A")
	is.Equal(f.Properties["name"], "edited")
}

func TestSaveReportsFailure(t *testing.T) {
	is := is.New(t)
	broker := newFakeBroker(beach("urn:A", "orig", orb.Point{1, 1}))
	src := loadedSource(is, broker)

	broker.patchErr = ngsierrors.ErrBadRequest
	is.True(!src.Save(context.Background(), "urn:A", map[string]any{"name": "edited"}))
	is.True(!src.Save(context.Background(), "urn:missing", map[string]any{"name": "edited"}))
}

func loadedSource(is *is.I, broker *fakeBroker, options ...func(*Source)) *Source {
	src := New(broker, "Beach", options...)
	is.NoErr(src.LoadExtent(context.Background(), AllExtent, 1.0, ""))
	return src
}

func beach(id, name string, g orb.Geometry) types.Entity {
	e, _ := entities.New(id, "Beach", decorators.Name(name), decorators.Geometry("location", g))
	return e
}

type gatedResponse struct {
	gate   chan struct{}
	entity types.Entity
	err    error
}

type fakeBroker struct {
	mu sync.Mutex

	all          []types.Entity
	listErr      error
	failAtOffset int
	lists        int
	listGate     chan struct{}
	listing      chan struct{}

	responses map[string][]gatedResponse
	calls     map[string]int
	started   chan string

	patches  map[string]types.EntityFragment
	patchErr error
}

func newFakeBroker(all ...types.Entity) *fakeBroker {
	return &fakeBroker{
		all:       all,
		responses: map[string][]gatedResponse{},
		calls:     map[string]int{},
		started:   make(chan string, 16),
		listing:   make(chan struct{}, 16),
		patches:   map[string]types.EntityFragment{},
	}
}

func (b *fakeBroker) respond(id string, gate chan struct{}, e types.Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[id] = append(b.responses[id], gatedResponse{gate: gate, entity: e})
}

func (b *fakeBroker) fail(id string, gate chan struct{}, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responses[id] = append(b.responses[id], gatedResponse{gate: gate, err: err})
}

func (b *fakeBroker) listCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists
}

func (b *fakeBroker) retrieveCalls(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[id]
}

func (b *fakeBroker) ListEntitiesPage(ctx context.Context, entityType string, limit, offset int) (*ngsild.EntitiesPage, error) {
	select {
	case b.listing <- struct{}{}:
	default:
	}

	b.mu.Lock()
	gate := b.listGate
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lists++

	if b.listErr != nil {
		return nil, b.listErr
	}

	if b.failAtOffset > 0 && offset >= b.failAtOffset {
		return nil, ngsierrors.ErrRequest
	}

	if offset >= len(b.all) {
		return ngsild.NewEntitiesPage(nil), nil
	}

	end := min(offset+limit, len(b.all))
	return ngsild.NewEntitiesPage(b.all[offset:end]), nil
}

func (b *fakeBroker) RetrieveEntity(ctx context.Context, entityID string) (types.Entity, error) {
	b.mu.Lock()
	call := b.calls[entityID]
	b.calls[entityID]++
	queue := b.responses[entityID]
	b.mu.Unlock()

	b.started <- entityID

	if call >= len(queue) {
		return nil, ngsierrors.ErrNotFound
	}

	r := queue[call]
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return r.entity, r.err
}

func (b *fakeBroker) UpdateEntityAttributes(ctx context.Context, entityID string, fragment types.EntityFragment) (*ngsild.UpdateEntityAttributesResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.patchErr != nil {
		return nil, b.patchErr
	}

	b.patches[entityID] = fragment
	return &ngsild.UpdateEntityAttributesResult{}, nil
}
