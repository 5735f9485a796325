package metatx

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PollFunc asks the chain once for the verdict on a handle.
type PollFunc func(ctx context.Context) (*MintOutcome, error)

// OutcomeCache remembers the terminal verdict of each submission handle and
// collapses concurrent polls of one handle into a single poll.
//
// A confirmed outcome, a reverted receipt and a receipt without the outcome
// event are terminal: they are kept for the TTL and handed to every later
// caller. Any other result, ConfirmationTimeout in particular, is handed to
// the callers that shared the poll and then forgotten so the handle can be
// polled again.
type OutcomeCache struct {
	ttl   time.Duration
	now   func() time.Time
	polls singleflight.Group

	mu       sync.Mutex
	verdicts map[SubmissionHandle]verdict
}

type verdict struct {
	outcome *MintOutcome
	err     error
	expires time.Time
}

// NewOutcomeCache keeps terminal verdicts for ttl
func NewOutcomeCache(ttl time.Duration) *OutcomeCache {
	return &OutcomeCache{
		ttl:      ttl,
		now:      time.Now,
		verdicts: make(map[SubmissionHandle]verdict),
	}
}

// Resolve returns the terminal verdict for handle if one is known. Otherwise
// it joins the poll already running for handle, or starts one. The poll is
// detached from ctx cancellation; a caller whose ctx ends stops waiting and
// gets ctx.Err() while the poll carries on for the others.
func (c *OutcomeCache) Resolve(ctx context.Context, handle SubmissionHandle, poll PollFunc) (*MintOutcome, error) {
	if v, ok := c.lookup(handle); ok {
		return v.outcome, v.err
	}

	pollCtx := context.WithoutCancel(ctx)
	ch := c.polls.DoChan(string(handle), func() (interface{}, error) {
		// A poll that finished between lookup and DoChan has already stored
		// its verdict.
		if v, ok := c.lookup(handle); ok {
			return v.outcome, v.err
		}
		outcome, err := poll(pollCtx)
		if err == nil || isTerminal(err) {
			c.store(handle, outcome, err)
		}
		return outcome, err
	})

	select {
	case res := <-ch:
		outcome, _ := res.Val.(*MintOutcome)
		return outcome, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *OutcomeCache) lookup(handle SubmissionHandle) (verdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.verdicts[handle]
	if !ok {
		return verdict{}, false
	}
	if !c.now().Before(v.expires) {
		delete(c.verdicts, handle)
		return verdict{}, false
	}
	return v, true
}

func (c *OutcomeCache) store(handle SubmissionHandle, outcome *MintOutcome, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for h, v := range c.verdicts {
		if !now.Before(v.expires) {
			delete(c.verdicts, h)
		}
	}
	c.verdicts[handle] = verdict{outcome: outcome, err: err, expires: now.Add(c.ttl)}
}

// isTerminal reports whether err settles a handle for good.
func isTerminal(err error) bool {
	return errors.Is(err, ErrReceiptReverted) || errors.Is(err, ErrOutcomeNotFound)
}
