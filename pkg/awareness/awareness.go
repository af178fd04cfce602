// Package awareness holds a realm's document together with the ephemeral
// presence state of every peer looking at it.
package awareness

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/astromechza/automerge-realms/pkg/crdt"
)

// DefaultPresenceTimeout is how long a presence entry survives without being
// refreshed before PruneStale drops it.
const DefaultPresenceTimeout = 30 * time.Second

var (
	ErrInvalidUpdate = errors.New("invalid awareness update")

	nullBlob = []byte("null")
)

type Presence struct {
	Blob      []byte
	Clock     uint64
	UpdatedAt time.Time
}

// Event describes one batch of presence changes. Update is the encoded
// awareness payload for exactly the changed clients.
type Event struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Update  []byte
}

func (e Event) Changed() []uint64 {
	out := make([]uint64, 0, len(e.Added)+len(e.Updated)+len(e.Removed))
	out = append(out, e.Added...)
	out = append(out, e.Updated...)
	return append(out, e.Removed...)
}

// Awareness is not safe for concurrent use on its own; share it through
// Shared, which enforces the single-writer discipline.
type Awareness struct {
	doc       *crdt.Doc
	states    map[uint64]Presence
	clocks    map[uint64]uint64
	observers map[uint64]func(Event)
	nextObs   uint64
	now       func() time.Time
}

func New(doc *crdt.Doc) *Awareness {
	return &Awareness{
		doc:       doc,
		states:    make(map[uint64]Presence),
		clocks:    make(map[uint64]uint64),
		observers: make(map[uint64]func(Event)),
		now:       time.Now,
	}
}

func (a *Awareness) Document() *crdt.Doc {
	return a.doc
}

// Observe registers fn for every presence change batch. fn runs while the
// writer holds the lock and must not block.
func (a *Awareness) Observe(fn func(Event)) func() {
	a.nextObs++
	id := a.nextObs
	a.observers[id] = fn
	return func() { delete(a.observers, id) }
}

func (a *Awareness) Presence(clientID uint64) (Presence, bool) {
	p, ok := a.states[clientID]
	return p, ok
}

// Clock is the last clock recorded for clientID, including clients whose
// entry has since been removed.
func (a *Awareness) Clock(clientID uint64) (uint64, bool) {
	clock, ok := a.clocks[clientID]
	return clock, ok
}

func (a *Awareness) Clients() []uint64 {
	out := make([]uint64, 0, len(a.states))
	for id := range a.states {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpdatePresence applies last-writer-wins per client. A null blob removes the
// entry and wins a tie on clock. It reports whether anything changed.
func (a *Awareness) UpdatePresence(clientID uint64, blob []byte, clock uint64) bool {
	ev, changed := a.updatePresence(clientID, blob, clock)
	if changed {
		a.emit(ev)
	}
	return changed
}

func (a *Awareness) updatePresence(clientID uint64, blob []byte, clock uint64) (Event, bool) {
	var ev Event
	current, known := a.clocks[clientID]
	_, exists := a.states[clientID]
	isNull := bytes.Equal(blob, nullBlob)

	if known && !(clock > current || (clock == current && isNull && exists)) {
		return ev, false
	}
	a.clocks[clientID] = clock

	if isNull {
		if !exists {
			return ev, false
		}
		delete(a.states, clientID)
		ev.Removed = []uint64{clientID}
		return ev, true
	}
	a.states[clientID] = Presence{Blob: append([]byte(nil), blob...), Clock: clock, UpdatedAt: a.now()}
	// a refresh with unchanged content still counts as an update so that
	// other peers keep the entry alive
	if exists {
		ev.Updated = []uint64{clientID}
	} else {
		ev.Added = []uint64{clientID}
	}
	return ev, true
}

// RemovePresence drops a client's entry, bumping its clock so the removal
// outranks the last state other peers saw.
func (a *Awareness) RemovePresence(clientID uint64) bool {
	if _, ok := a.states[clientID]; !ok {
		return false
	}
	return a.UpdatePresence(clientID, nullBlob, a.clocks[clientID]+1)
}

// ApplyUpdate merges an encoded payload from a peer and returns the changes
// it caused. Entries the merge rejected as stale do not appear in the result.
func (a *Awareness) ApplyUpdate(payload []byte) (Event, error) {
	var batch Event
	entries, err := DecodeUpdate(payload)
	if err != nil {
		return batch, err
	}
	for _, e := range entries {
		ev, changed := a.updatePresence(e.ClientID, e.Blob, e.Clock)
		if !changed {
			continue
		}
		batch.Added = append(batch.Added, ev.Added...)
		batch.Updated = append(batch.Updated, ev.Updated...)
		batch.Removed = append(batch.Removed, ev.Removed...)
	}
	if len(batch.Changed()) > 0 {
		a.emit(batch)
	}
	return batch, nil
}

// PruneStale removes entries that were not refreshed within timeout.
func (a *Awareness) PruneStale(now time.Time, timeout time.Duration) []uint64 {
	var stale []uint64
	for id, p := range a.states {
		if now.Sub(p.UpdatedAt) >= timeout {
			stale = append(stale, id)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	if len(stale) == 0 {
		return nil
	}
	for _, id := range stale {
		delete(a.states, id)
		a.clocks[id]++
	}
	a.emit(Event{Removed: stale})
	return stale
}

// Snapshot encodes every current entry, suitable for a newly joined peer.
func (a *Awareness) Snapshot() ([]byte, error) {
	return a.Encode(a.Clients())
}

// Encode builds a payload for the given clients. Clients without a state are
// encoded as removals at their last known clock.
func (a *Awareness) Encode(clients []uint64) ([]byte, error) {
	for _, id := range clients {
		if _, ok := a.clocks[id]; !ok {
			return nil, fmt.Errorf("%w: unknown client %d", ErrInvalidUpdate, id)
		}
	}
	return a.encode(clients), nil
}

func (a *Awareness) encode(clients []uint64) []byte {
	entries := make([]Entry, 0, len(clients))
	for _, id := range clients {
		blob := nullBlob
		if p, ok := a.states[id]; ok {
			blob = p.Blob
		}
		entries = append(entries, Entry{ClientID: id, Clock: a.clocks[id], Blob: blob})
	}
	return EncodeUpdate(entries)
}

// emit encodes the batch for observers. Every client in a batch has had its
// clock recorded by the change that put it there, so encoding cannot fail.
func (a *Awareness) emit(ev Event) {
	if len(a.observers) == 0 {
		return
	}
	ev.Update = a.encode(ev.Changed())
	for _, fn := range a.observers {
		fn(ev)
	}
}

type Entry struct {
	ClientID uint64
	Clock    uint64
	Blob     []byte
}

func EncodeUpdate(entries []Entry) []byte {
	out := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		out = binary.AppendUvarint(out, e.ClientID)
		out = binary.AppendUvarint(out, e.Clock)
		out = binary.AppendUvarint(out, uint64(len(e.Blob)))
		out = append(out, e.Blob...)
	}
	return out
}

func DecodeUpdate(payload []byte) ([]Entry, error) {
	r := bytes.NewReader(payload)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUpdate, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrInvalidUpdate, n, r.Len())
	}
	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e Entry
		if e.ClientID, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidUpdate, i, err)
		}
		if e.Clock, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidUpdate, i, err)
		}
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrInvalidUpdate, i, err)
		}
		if size > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: entry %d: blob overruns payload", ErrInvalidUpdate, i)
		}
		e.Blob = make([]byte, size)
		_, _ = r.Read(e.Blob)
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidUpdate, r.Len())
	}
	return entries, nil
}
