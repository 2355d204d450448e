package inspector

import (
	"cmp"
	"net/http"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/store"
)

// Ref identifies one store in a Registry by store type and instance id.
type Ref struct {
	Type string `json:"store_type"`
	ID   string `json:"store_id"`
}

// StoreEvent is an event of one registered store.
type StoreEvent struct {
	Ref
	store.Event
}

// Registry groups many stores by type and id so they can be observed
// together. It is explicit: stores join only through Register.
type Registry struct {
	log zerolog.Logger

	mu     sync.Mutex
	stores map[Ref]*store.Store
	fanins map[int]*Fanin
	nextID int
}

// NewRegistry returns an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{log: log, stores: map[Ref]*store.Store{}, fanins: map[int]*Fanin{}}
}

// Register adds st under typ and id. Open fan-in subscriptions start
// receiving its events.
func (r *Registry) Register(typ, id string, st *store.Store) error {
	if typ == "" || id == "" || st == nil {
		return errmodel.Configuration("invalid_store_ref", "store type, id and store are required", map[string]any{"store_type": typ, "store_id": id})
	}
	ref := Ref{Type: typ, ID: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[ref]; ok {
		return errmodel.Configuration("duplicate_store", "store is already registered", map[string]any{"store_type": typ, "store_id": id})
	}
	r.stores[ref] = st
	for _, f := range r.fanins {
		f.attach(ref, st)
	}
	r.log.Debug().Str("store_type", typ).Str("store_id", id).Msg("store registered")
	return nil
}

// Unregister removes a store and detaches it from open subscriptions.
func (r *Registry) Unregister(typ, id string) bool {
	ref := Ref{Type: typ, ID: id}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[ref]; !ok {
		return false
	}
	delete(r.stores, ref)
	for _, f := range r.fanins {
		f.detach(ref)
	}
	return true
}

// Lookup returns the store registered under typ and id.
func (r *Registry) Lookup(typ, id string) (*store.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stores[Ref{Type: typ, ID: id}]
	return st, ok
}

// Stores returns every registered ref, sorted by type then id.
func (r *Registry) Stores() []Ref {
	r.mu.Lock()
	out := make([]Ref, 0, len(r.stores))
	for ref := range r.stores {
		out = append(out, ref)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Ref) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Types returns the store types with at least one registered store, sorted.
func (r *Registry) Types() []string {
	var out []string
	for _, ref := range r.Stores() {
		if len(out) == 0 || out[len(out)-1] != ref.Type {
			out = append(out, ref.Type)
		}
	}
	return out
}

// State returns the current snapshot of every store as type -> id -> slices.
func (r *Registry) State() map[string]map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]map[string]any)
	for ref, st := range r.stores {
		byID, ok := out[ref.Type]
		if !ok {
			byID = make(map[string]map[string]any)
			out[ref.Type] = byID
		}
		byID[ref.ID] = st.State().Map()
	}
	return out
}

// Subscribe returns a stream of the events of every registered store,
// including stores registered later. Callers must Close it.
func (r *Registry) Subscribe(buffer int) *Fanin {
	if buffer <= 0 {
		buffer = store.DefaultSubscriptionBuffer
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	f := &Fanin{
		reg:    r,
		id:     r.nextID,
		buffer: buffer,
		ch:     make(chan StoreEvent, buffer),
		subs:   map[Ref]*store.Subscription{},
	}
	for ref, st := range r.stores {
		f.attach(ref, st)
	}
	r.fanins[f.id] = f
	return f
}

// Fanin merges the event streams of a registry's stores. Events are dropped
// when its buffer is full.
type Fanin struct {
	reg    *Registry
	id     int
	buffer int
	ch     chan StoreEvent

	mu   sync.Mutex
	subs map[Ref]*store.Subscription
	wg   sync.WaitGroup
	once sync.Once
}

// C returns the merged channel. It is closed by Close.
func (f *Fanin) C() <-chan StoreEvent { return f.ch }

// Close detaches from every store and closes the channel.
func (f *Fanin) Close() {
	f.once.Do(func() {
		f.reg.mu.Lock()
		delete(f.reg.fanins, f.id)
		f.reg.mu.Unlock()

		f.mu.Lock()
		for ref, sub := range f.subs {
			sub.Close()
			delete(f.subs, ref)
		}
		f.mu.Unlock()
		f.wg.Wait()
		close(f.ch)
	})
}

func (f *Fanin) attach(ref Ref, st *store.Store) {
	sub := st.Subscribe(f.buffer)
	f.mu.Lock()
	f.subs[ref] = sub
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range sub.C() {
			select {
			case f.ch <- StoreEvent{Ref: ref, Event: ev}:
			default:
				f.reg.log.Warn().Str("store_type", ref.Type).Str("store_id", ref.ID).Int64("sequence", ev.Sequence).Msg("fan-in buffer full, dropping event")
			}
		}
	}()
}

func (f *Fanin) detach(ref Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[ref]; ok {
		sub.Close()
		delete(f.subs, ref)
	}
}

// NewRegistryHandler serves the registry: GET /stores lists refs,
// GET /stores/state returns the aggregate state and GET /stores/events
// streams the merged events.
func NewRegistryHandler(reg *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stores", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, reg.Stores())
	})
	mux.HandleFunc("GET /stores/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, reg.State())
	})
	mux.HandleFunc("GET /stores/events", func(w http.ResponseWriter, r *http.Request) {
		f := reg.Subscribe(0)
		defer f.Close()
		streamEvents(w, r, reg.log, reg.State(), f.C(),
			func(ev StoreEvent) string { return string(ev.Kind) })
	})
	return otelhttp.NewHandler(mux, "inspector.registry")
}
