package dataloader

import (
	"context"
	"sync"
)

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher wraps a Source and assembles the following batch in the
// background while the caller works on the current one. At most one batch is
// held ahead.
type Prefetcher struct {
	src Source

	mu     sync.Mutex
	ch     chan prefetched
	cancel context.CancelFunc
	done   chan struct{}
	final  error
}

// NewPrefetcher wraps src. Nothing is read until the first Next.
func NewPrefetcher(src Source) *Prefetcher {
	return &Prefetcher{src: src}
}

func (p *Prefetcher) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan prefetched, 1)
	done := make(chan struct{})
	p.ch, p.cancel, p.done = ch, cancel, done

	go func() {
		defer close(done)
		for {
			b, err := p.src.Next(ctx)
			select {
			case ch <- prefetched{batch: b, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Next returns the batch assembled in the background, starting the producer
// on first use after construction or Reset. The producer is bound to the ctx
// of that first call.
func (p *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.final != nil {
		return nil, p.final
	}
	if p.ch == nil {
		p.start(ctx)
	}

	select {
	case r := <-p.ch:
		return p.take(r)
	case <-p.done:
		// The producer gave up; a result may still be buffered.
		select {
		case r := <-p.ch:
			return p.take(r)
		default:
			p.final = context.Canceled
			return nil, p.final
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Prefetcher) take(r prefetched) (*Batch, error) {
	if r.err != nil {
		p.final = r.err
	}
	return r.batch, r.err
}

func (p *Prefetcher) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.ch, p.cancel, p.done = nil, nil, nil
}

// Reset stops the producer and rewinds the wrapped source.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
	p.final = nil
	p.src.Reset()
}

// Close stops the producer.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop()
}

// Len returns the wrapped source's batch count.
func (p *Prefetcher) Len() int { return p.src.Len() }
