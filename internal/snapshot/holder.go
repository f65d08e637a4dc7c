// Package snapshot keeps the rule snapshot served by the evaluation API and
// refreshes it from the distribution layer.
package snapshot

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// ErrNotLoaded is returned while no snapshot has been installed yet.
var ErrNotLoaded = errors.New("no snapshot loaded")

// Holder publishes the current snapshot to concurrent readers. Readers get
// a whole snapshot or nothing; versions only move forward.
type Holder struct {
	current atomic.Pointer[ruleengine.Snapshot]
	// onSwap runs after a newer snapshot is installed.
	onSwap func(*ruleengine.Snapshot)
}

// NewHolder creates an empty holder. onSwap may be nil.
func NewHolder(onSwap func(*ruleengine.Snapshot)) *Holder {
	return &Holder{onSwap: onSwap}
}

// Load returns the current snapshot, or nil before the first Store.
func (h *Holder) Load() *ruleengine.Snapshot {
	return h.current.Load()
}

// Store installs snap if it is newer than the current one and reports
// whether it did.
func (h *Holder) Store(snap *ruleengine.Snapshot) bool {
	if snap == nil {
		return false
	}
	for {
		cur := h.current.Load()
		if cur != nil && cur.Version >= snap.Version {
			return false
		}
		if h.current.CompareAndSwap(cur, snap) {
			break
		}
	}

	observability.SnapshotVersion.Set(float64(snap.Version))
	observability.SnapshotFlags.Set(float64(len(snap.Flags)))
	if h.onSwap != nil {
		h.onSwap(snap)
	}
	return true
}

// Name returns the component name for readiness checks.
func (h *Holder) Name() string {
	return "snapshot"
}

// Check fails until a snapshot is loaded, keeping the pod out of rotation
// while it has nothing to serve.
func (h *Holder) Check(_ context.Context) error {
	if h.Load() == nil {
		return ErrNotLoaded
	}
	return nil
}
