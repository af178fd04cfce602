// Package crdt adapts an automerge document to the small surface the realm
// engine needs: state vectors, diffs against a state vector, applying remote
// updates and observing every update that lands locally.
package crdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/automerge/automerge-go"
)

// Origin identifies who caused an update. Realm subscribers use their
// subscriber ID; zero is the hosting process itself.
type Origin uint64

const (
	OriginLocal  Origin = 0
	OriginRemote Origin = math.MaxUint64
)

var (
	ErrApplyUpdate        = errors.New("failed to apply update")
	ErrInvalidStateVector = errors.New("invalid state vector")
)

// UpdateEvent carries the changes an apply or transaction added to the doc,
// encoded so that another replica can feed them straight into ApplyUpdate.
type UpdateEvent struct {
	Update []byte
	Origin Origin
}

type Doc struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	observers map[uint64]func(UpdateEvent)
	nextObs   uint64
}

func New() *Doc {
	return wrap(automerge.New())
}

func Load(raw []byte) (*Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return wrap(doc), nil
}

func wrap(doc *automerge.Doc) *Doc {
	return &Doc{doc: doc, observers: make(map[uint64]func(UpdateEvent))}
}

// Observe registers fn for every update that moves the document heads. fn runs
// synchronously on the goroutine that applied the update and must not call
// back into the Doc.
func (d *Doc) Observe(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextObs++
	id := d.nextObs
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return StateVector(d.doc.Heads())
}

func (d *Doc) Heads() []automerge.ChangeHash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Heads()
}

// Diff returns every change the holder of sv has not seen. Heads this document
// does not know about are ignored, which can only make the diff larger.
func (d *Doc) Diff(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	known := make(map[automerge.ChangeHash]struct{}, len(all))
	for _, c := range all {
		known[c.Hash()] = struct{}{}
	}
	since := make([]automerge.ChangeHash, 0, len(sv))
	for _, h := range sv {
		if _, ok := known[h]; ok {
			since = append(since, h)
		}
	}
	if len(since) == 0 {
		return automerge.SaveChanges(all), nil
	}
	changes, err := d.doc.Changes(since...)
	if err != nil {
		return nil, fmt.Errorf("failed to diff changes: %w", err)
	}
	return automerge.SaveChanges(changes), nil
}

// ApplyUpdate merges remote changes. Changes whose dependencies are missing are
// held back by automerge and surface in a later event once they apply.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	changes, err := automerge.LoadChanges(update)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrApplyUpdate, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.Apply(changes...); err != nil {
		return fmt.Errorf("%w: %w", ErrApplyUpdate, err)
	}
	return d.emitSince(before, origin)
}

// Transact runs a local mutation against the underlying automerge document.
func (d *Doc) Transact(origin Origin, fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		return err
	}
	if _, err := d.doc.Commit(""); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return d.emitSince(before, origin)
}

// View gives read access to the automerge document. fn must not mutate it.
func (d *Doc) View(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn(d.doc)
}

// Value reads the value at path, e.g. Value("todos", 0, "title").
func (d *Doc) Value(path ...interface{}) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.doc.Path(path...).Get()
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Doc) emitSince(before []automerge.ChangeHash, origin Origin) error {
	if sameHeads(before, d.doc.Heads()) {
		return nil
	}
	changes, err := d.doc.Changes(before...)
	if err != nil {
		return fmt.Errorf("failed to collect new changes: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}
	ev := UpdateEvent{Update: automerge.SaveChanges(changes), Origin: origin}
	for _, fn := range d.observers {
		fn(ev)
	}
	return nil
}

func sameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		set[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}

// StateVector summarises what a replica has seen: its current heads.
type StateVector []automerge.ChangeHash

func (sv StateVector) Encode() []byte {
	out := binary.AppendUvarint(nil, uint64(len(sv)))
	for _, h := range sv {
		out = append(out, h[:]...)
	}
	return out
}

func DecodeStateVector(raw []byte) (StateVector, error) {
	r := bytes.NewReader(raw)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStateVector, err)
	}
	if n > uint64(r.Len()) || uint64(r.Len()) != n*uint64(len(automerge.ChangeHash{})) {
		return nil, fmt.Errorf("%w: expected %d hashes in %d bytes", ErrInvalidStateVector, n, r.Len())
	}
	sv := make(StateVector, n)
	for i := range sv {
		if _, err := r.Read(sv[i][:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStateVector, err)
		}
	}
	return sv, nil
}
