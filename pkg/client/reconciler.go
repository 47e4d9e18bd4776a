package client

import "github.com/polbro/pollsync/pkg/poll"

// Reconciler maintains the single source-of-truth view of one poll, merging
// the snapshot load and live push updates safely regardless of arrival
// order. Every merge is a full replacement of the options array; metadata is
// only ever taken from the snapshot.
type Reconciler struct {
	view *poll.Poll
	// pending holds a push that arrived before the snapshot. Once the
	// snapshot lands the pending options win: the push reflects the room at
	// an equal-or-later point in time.
	pending []poll.Option
	final   bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Seed installs a snapshot as the base view. Allowed even after finality so
// a manual reload can still refresh a frozen view with authoritative data;
// buffered pushes are only consulted while the poll is live.
func (r *Reconciler) Seed(p poll.Poll) {
	cp := p.WithOptions(p.Options)
	if r.pending != nil && !r.final {
		cp.Options = r.pending
	}
	r.pending = nil
	r.view = &cp
}

// Apply merges a push update. Reports whether the view changed: false means
// the update was buffered (no base snapshot yet) or silently dropped as
// stale (poll already final). Applying the same payload twice is harmless.
func (r *Reconciler) Apply(options []poll.Option) bool {
	if r.final {
		return false
	}
	if r.view == nil {
		r.pending = poll.CloneOptions(options)
		return false
	}
	r.view.Options = poll.CloneOptions(options)
	return true
}

// Finalize freezes the view permanently. One-way.
func (r *Reconciler) Finalize() {
	r.final = true
}

func (r *Reconciler) Final() bool { return r.final }

func (r *Reconciler) Seeded() bool { return r.view != nil }

// View returns a copy of the current view; ok is false until seeded.
func (r *Reconciler) View() (poll.Poll, bool) {
	if r.view == nil {
		return poll.Poll{}, false
	}
	return r.view.WithOptions(r.view.Options), true
}
