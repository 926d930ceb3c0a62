package voiceturn

import (
	"context"
	"sync"
)

// stopResult is what a pending Stop resolves to.
type stopResult struct {
	utterance *Utterance
	err       error
}

// continuation is a one-shot result slot. Only the first settle wins.
type continuation struct {
	once sync.Once
	ch   chan stopResult
}

func newContinuation() *continuation {
	return &continuation{ch: make(chan stopResult, 1)}
}

// settle resolves the continuation and reports whether this call did it.
func (c *continuation) settle(res stopResult) bool {
	settled := false
	c.once.Do(func() {
		c.ch <- res
		settled = true
	})
	return settled
}

func (c *continuation) wait(ctx context.Context) (*Utterance, error) {
	select {
	case res := <-c.ch:
		return res.utterance, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingSlot holds at most one continuation. take empties the slot so a
// second settlement finds nothing.
type pendingSlot struct {
	mu   sync.Mutex
	cont *continuation
}

func (s *pendingSlot) put(c *continuation) {
	s.mu.Lock()
	s.cont = c
	s.mu.Unlock()
}

func (s *pendingSlot) take() *continuation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cont
	s.cont = nil
	return c
}

// settle resolves and clears the pending continuation, if any.
func (s *pendingSlot) settle(res stopResult) bool {
	c := s.take()
	if c == nil {
		return false
	}
	return c.settle(res)
}
