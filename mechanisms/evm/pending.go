package evm

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	metatx "github.com/mintrelay/metatx"
)

// DefaultReservationTTL is how long a relayed-but-unmined nonce is held.
const DefaultReservationTTL = 10 * time.Minute

type reservation struct {
	next    *big.Int
	expires time.Time
}

// relayed is the nonce a handle carried when it was sent
type relayed struct {
	from  common.Address
	nonce *big.Int
}

// PendingCounter is the counter view at the authoritative execution point:
// the chain counter raised past nonces already relayed but not yet mined.
// A relayed nonce stays reserved until its handle lands, is dropped, or the
// reservation ages out. Lock serializes check-then-submit per address.
// Different addresses never contend.
type PendingCounter struct {
	chain metatx.CounterSource
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	reserved map[common.Address]reservation
	handles  map[metatx.SubmissionHandle]relayed
	locks    map[common.Address]*addressLock
}

type addressLock struct {
	mu   sync.Mutex
	refs int
}

// NewPendingCounter wraps chain. A zero ttl uses DefaultReservationTTL.
func NewPendingCounter(chain metatx.CounterSource, ttl time.Duration) *PendingCounter {
	if ttl == 0 {
		ttl = DefaultReservationTTL
	}
	return &PendingCounter{
		chain:    chain,
		ttl:      ttl,
		now:      time.Now,
		reserved: make(map[common.Address]reservation),
		handles:  make(map[metatx.SubmissionHandle]relayed),
		locks:    make(map[common.Address]*addressLock),
	}
}

// NextNonce implements metatx.CounterSource
func (p *PendingCounter) NextNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	onChain, err := p.chain.NextNonce(ctx, from)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.reserved[from]
	if !ok {
		return onChain, nil
	}
	if p.now().After(res.expires) || onChain.Cmp(res.next) >= 0 {
		delete(p.reserved, from)
		return onChain, nil
	}
	return new(big.Int).Set(res.next), nil
}

// Reserve records that handle relayed nonce for from.
func (p *PendingCounter) Reserve(from common.Address, nonce *big.Int, handle metatx.SubmissionHandle) {
	next := new(big.Int).Add(nonce, big.NewInt(1))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[handle] = relayed{from: from, nonce: new(big.Int).Set(nonce)}
	if res, ok := p.reserved[from]; ok && res.next.Cmp(next) > 0 {
		return
	}
	p.reserved[from] = reservation{next: next, expires: p.now().Add(p.ttl)}
}

// Landed forgets handle once the chain has consumed its nonce.
func (p *PendingCounter) Landed(handle metatx.SubmissionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, handle)
}

// Dropped rewinds the reservation for handle's sender to the nonce handle
// carried. The chain never consumed it, so the next read offers it again.
// Nonces relayed after it are not consumed either and fall with it.
func (p *PendingCounter) Dropped(handle metatx.SubmissionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rel, ok := p.handles[handle]
	if !ok {
		return
	}
	delete(p.handles, handle)

	res, ok := p.reserved[rel.from]
	if !ok || res.next.Cmp(rel.nonce) <= 0 {
		return
	}
	res.next = rel.nonce
	p.reserved[rel.from] = res
}

// Lock serializes the caller with every other holder of from's lock.
func (p *PendingCounter) Lock(from common.Address) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[from]
	if !ok {
		l = &addressLock{}
		p.locks[from] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, from)
		}
		p.mu.Unlock()
	}
}
