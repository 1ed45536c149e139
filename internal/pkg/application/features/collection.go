package features

import (
	"sync"

	"github.com/paulmach/orb"
)

type EventType string

const (
	EventAdd    EventType = "addfeature"
	EventChange EventType = "changefeature"
	EventRemove EventType = "removefeature"
)

type Event struct {
	Type    EventType
	Feature Feature
}

type MergeResult int

const (
	// Inserted means that no feature with the same id existed
	Inserted MergeResult = iota
	// Merged means that the properties of an existing feature were replaced
	Merged
	// Rejected means that the feature had no id
	Rejected
)

// Collection is a set of features keyed by id. All mutations are performed
// under a single lock and readers always receive copies.
type Collection struct {
	mu       sync.RWMutex
	features map[string]*Feature
	order    []string

	subscribers map[int]func(Event)
	nextSub     int
}

func NewCollection() *Collection {
	return &Collection{
		features:    map[string]*Feature{},
		subscribers: map[int]func(Event){},
	}
}

// Add inserts or replaces a feature and reports whether it was stored.
// Features without an id can not be stored.
func (c *Collection) Add(f Feature) bool {
	c.mu.Lock()
	evt, ok := c.put(f)
	subs := c.subscriberList()
	c.mu.Unlock()

	if ok {
		notify(subs, evt)
	}

	return ok
}

func (c *Collection) AddMany(fs []Feature) int {
	events := make([]Event, 0, len(fs))

	c.mu.Lock()
	for _, f := range fs {
		if evt, ok := c.put(f); ok {
			events = append(events, evt)
		}
	}
	subs := c.subscriberList()
	c.mu.Unlock()

	for _, evt := range events {
		notify(subs, evt)
	}

	return len(events)
}

func (c *Collection) put(f Feature) (Event, bool) {
	if f.ID == "" {
		return Event{}, false
	}

	stored := f.Clone()

	evtType := EventAdd
	if _, exists := c.features[f.ID]; exists {
		evtType = EventChange
	} else {
		c.order = append(c.order, f.ID)
	}

	c.features[f.ID] = &stored
	return Event{Type: evtType, Feature: stored.Clone()}, true
}

func (c *Collection) Get(id string) (Feature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.features[id]
	if !ok {
		return Feature{}, false
	}

	return f.Clone(), true
}

// All returns every feature in insertion order
func (c *Collection) All() []Feature {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Feature, 0, len(c.order))
	for _, id := range c.order {
		result = append(result, c.features[id].Clone())
	}

	return result
}

// InExtent returns the features whose geometry bounds intersect the extent
func (c *Collection) InExtent(extent orb.Bound) []Feature {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := []Feature{}
	for _, id := range c.order {
		f := c.features[id]
		if f.Geometry == nil {
			continue
		}
		if f.Geometry.Bound().Intersects(extent) {
			result = append(result, f.Clone())
		}
	}

	return result
}

func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.features)
}

// Merge inserts f if its id is unknown. Otherwise the properties of the
// stored feature are replaced with those of f while the stored geometry is
// kept as it is.
func (c *Collection) Merge(f Feature) MergeResult {
	if f.ID == "" {
		return Rejected
	}

	c.mu.Lock()

	existing, ok := c.features[f.ID]
	if !ok {
		evt, _ := c.put(f)
		subs := c.subscriberList()
		c.mu.Unlock()

		notify(subs, evt)
		return Inserted
	}

	existing.SetProperties(f.Clone().Properties)
	evt := Event{Type: EventChange, Feature: existing.Clone()}
	subs := c.subscriberList()
	c.mu.Unlock()

	notify(subs, evt)
	return Merged
}

// Update applies fn to the stored feature with the given id. The id of the
// feature can not be changed by fn.
func (c *Collection) Update(id string, fn func(f *Feature)) bool {
	c.mu.Lock()

	existing, ok := c.features[id]
	if !ok {
		c.mu.Unlock()
		return false
	}

	fn(existing)
	existing.ID = id

	evt := Event{Type: EventChange, Feature: existing.Clone()}
	subs := c.subscriberList()
	c.mu.Unlock()

	notify(subs, evt)
	return true
}

// Clear removes every feature and sends a remove event for each of them, in
// insertion order. It returns the number of removed features.
func (c *Collection) Clear() int {
	c.mu.Lock()

	events := make([]Event, 0, len(c.order))
	for _, id := range c.order {
		events = append(events, Event{Type: EventRemove, Feature: c.features[id].Clone()})
	}

	c.features = map[string]*Feature{}
	c.order = nil
	subs := c.subscriberList()
	c.mu.Unlock()

	for _, evt := range events {
		notify(subs, evt)
	}

	return len(events)
}

// Subscribe registers a callback for add, change and remove events and
// returns a function that removes the registration
func (c *Collection) Subscribe(callback func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = callback

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

func (c *Collection) subscriberList() []func(Event) {
	subs := make([]func(Event), 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subs = append(subs, s)
	}
	return subs
}

func notify(subscribers []func(Event), evt Event) {
	for _, s := range subscribers {
		s(evt)
	}
}
