package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Scorer is the subset of Process used by Pool.
type Scorer interface {
	ScoreFace(ctx context.Context, face image.Image) (float64, error)
	Close() error
}

// Pool hands each request to an idle worker.
type Pool struct {
	idle    chan Scorer
	workers []Scorer
}

// NewPool starts n workers with start. On failure the ones already started
// are closed.
func NewPool(n int, start func(id int) (Scorer, error)) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{idle: make(chan Scorer, n)}
	for i := range n {
		w, err := start(i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		p.idle <- w
	}
	return p, nil
}

// StartProcessPool starts n Process workers running the same command.
func StartProcessPool(n, inputSize int, name string, args ...string) (*Pool, error) {
	return NewPool(n, func(id int) (Scorer, error) {
		return Start(id, inputSize, name, args...)
	})
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// ScoreFace implements imagecheck.FaceScorer.
func (p *Pool) ScoreFace(ctx context.Context, face image.Image) (float64, error) {
	var w Scorer
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { p.idle <- w }()
	return w.ScoreFace(ctx, face)
}

// Close closes every worker.
func (p *Pool) Close() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
