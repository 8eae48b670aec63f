package submission

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNonceUninitialized = errors.New("submission: nonce tracker not initialized")
	ErrAlreadyReleased    = errors.New("submission: lease already released")
)

// Lease is an exclusive claim on Count consecutive nonces starting at Base.
// It ends exactly once, by Release or Commit.
type Lease struct {
	Base  uint64
	Count uint64
	ended bool
}

// span is a run of released nonces waiting for reuse.
type span struct {
	base, count uint64
}

// NonceTracker hands out nonces for the bot account. The chain only accepts
// them in order, so released nonces below the high-water mark are reused
// before new ones are issued.
type NonceTracker struct {
	mu       sync.Mutex
	ready    bool
	next     uint64
	free     []span
	inflight map[*Lease]struct{}
	onChange func(next uint64)
}

// NewNonceTracker creates an uninitialized tracker. onChange, if set, sees
// every new high-water mark.
func NewNonceTracker(onChange func(next uint64)) *NonceTracker {
	return &NonceTracker{
		inflight: make(map[*Lease]struct{}),
		onChange: onChange,
	}
}

// Init sets the baseline from the chain's confirmed nonce.
func (t *NonceTracker) Init(chainNonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = true
	t.free = nil
	t.setNext(chainNonce)
}

// Next is the nonce a fresh claim would start from.
func (t *NonceTracker) Next() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// InFlight counts leases not yet released or committed.
func (t *NonceTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Claim leases n consecutive nonces.
func (t *NonceTracker) Claim(n uint64) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		return nil, ErrNonceUninitialized
	}

	l := &Lease{Count: n}
	if len(t.free) > 0 && t.free[0].count >= n {
		l.Base = t.free[0].base
		t.free[0].base += n
		t.free[0].count -= n
		if t.free[0].count == 0 {
			t.free = t.free[1:]
		}
	} else {
		l.Base = t.next
		t.setNext(t.next + n)
	}
	t.inflight[l] = struct{}{}
	return l, nil
}

// Release returns the nonces of a bundle that was not included.
func (t *NonceTracker) Release(l *Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.ended {
		return ErrAlreadyReleased
	}
	l.ended = true
	delete(t.inflight, l)

	if l.Base+l.Count == t.next {
		next := l.Base
		// Parked spans now on top rewind too.
		for len(t.free) > 0 {
			last := t.free[len(t.free)-1]
			if last.base+last.count != next {
				break
			}
			next = last.base
			t.free = t.free[:len(t.free)-1]
		}
		t.setNext(next)
		return nil
	}
	t.park(span{base: l.Base, count: l.Count})
	return nil
}

// Commit marks the lease consumed on chain. Parked nonces below it can no
// longer be used by anyone and are dropped.
func (t *NonceTracker) Commit(l *Lease) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.ended {
		return ErrAlreadyReleased
	}
	l.ended = true
	delete(t.inflight, l)

	kept := t.free[:0]
	for _, s := range t.free {
		if s.base > l.Base {
			kept = append(kept, s)
		}
	}
	t.free = kept
	if end := l.Base + l.Count; end > t.next {
		t.setNext(end)
	}
	return nil
}

// Reconcile corrects drift against the chain's confirmed nonce. The tracker
// follows the chain when nothing is in flight or when the chain is ahead.
// It reports whether the baseline moved.
func (t *NonceTracker) Reconcile(chainNonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.ready {
		t.ready = true
		t.setNext(chainNonce)
		return true
	}
	if chainNonce == t.next || (len(t.inflight) > 0 && chainNonce < t.next) {
		return false
	}

	// Every parked span is below the old mark, so none survives either case.
	t.free = nil
	t.setNext(chainNonce)
	return true
}

func (t *NonceTracker) park(s span) {
	i := sort.Search(len(t.free), func(i int) bool { return t.free[i].base > s.base })
	t.free = append(t.free, span{})
	copy(t.free[i+1:], t.free[i:])
	t.free[i] = s

	// Merge adjacent spans.
	merged := t.free[:1]
	for _, cur := range t.free[1:] {
		last := &merged[len(merged)-1]
		if last.base+last.count == cur.base {
			last.count += cur.count
			continue
		}
		merged = append(merged, cur)
	}
	t.free = merged
}

func (t *NonceTracker) setNext(n uint64) {
	t.next = n
	if t.onChange != nil {
		t.onChange(n)
	}
}
