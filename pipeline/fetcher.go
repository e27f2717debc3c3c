package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rony4d/go-parlia/inter"
)

// ErrNotFound is returned by a Fetcher for data no peer can serve. It is
// not retried.
var ErrNotFound = errors.New("not found")

// Fetcher is the network boundary of the pipeline.
type Fetcher interface {
	// Headers returns up to count consecutive headers starting at from.
	Headers(ctx context.Context, from uint64, count int) ([]*types.Header, error)

	// Body returns the body of a block.
	Body(ctx context.Context, hash common.Hash, number uint64) (*inter.Body, error)

	// Sidecars returns the blob sidecars of a block, nil if they are not
	// available yet.
	Sidecars(ctx context.Context, hash common.Hash, number uint64) (inter.BlobSidecars, error)
}

// Segment is a run of consecutive blocks with their sidecars.
type Segment struct {
	Blocks       []*inter.Block
	BlobSidecars map[common.Hash]inter.BlobSidecars
}

// NewSegment bundles blocks, which must be consecutive, with their
// sidecars. sidecars may be nil.
func NewSegment(blocks []*inter.Block, sidecars map[common.Hash]inter.BlobSidecars) *Segment {
	if sidecars == nil {
		sidecars = make(map[common.Hash]inter.BlobSidecars)
	}
	return &Segment{Blocks: blocks, BlobSidecars: sidecars}
}

// Tip returns the last block of the segment.
func (s *Segment) Tip() *inter.Block {
	if len(s.Blocks) == 0 {
		return nil
	}
	return s.Blocks[len(s.Blocks)-1]
}

func (s *Segment) find(number uint64) *inter.Block {
	if len(s.Blocks) == 0 {
		return nil
	}
	first := s.Blocks[0].NumberU64()
	if number < first || number-first >= uint64(len(s.Blocks)) {
		return nil
	}
	return s.Blocks[number-first]
}

// Headers implements Fetcher.
func (s *Segment) Headers(_ context.Context, from uint64, count int) ([]*types.Header, error) {
	var headers []*types.Header
	for n := from; len(headers) < count; n++ {
		b := s.find(n)
		if b == nil {
			break
		}
		headers = append(headers, types.CopyHeader(b.Header))
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: header %d", ErrNotFound, from)
	}
	return headers, nil
}

// Body implements Fetcher.
func (s *Segment) Body(_ context.Context, hash common.Hash, number uint64) (*inter.Body, error) {
	b := s.find(number)
	if b == nil || b.Hash() != hash {
		return nil, fmt.Errorf("%w: body %d", ErrNotFound, number)
	}
	body := b.Body
	return &body, nil
}

// Sidecars implements Fetcher.
func (s *Segment) Sidecars(_ context.Context, hash common.Hash, _ uint64) (inter.BlobSidecars, error) {
	return s.BlobSidecars[hash], nil
}

// RetryingFetcher retries transient failures of a Fetcher with exponential
// backoff, so they never reach the stages.
type RetryingFetcher struct {
	f   Fetcher
	cfg RetryConfig
}

// NewRetryingFetcher wraps f.
func NewRetryingFetcher(f Fetcher, cfg RetryConfig) *RetryingFetcher {
	return &RetryingFetcher{f: f, cfg: cfg}
}

func (r *RetryingFetcher) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		log.Warn("Fetch failed, retrying", "what", what, "err", err, "in", next)
	})
}

// Headers implements Fetcher.
func (r *RetryingFetcher) Headers(ctx context.Context, from uint64, count int) (headers []*types.Header, err error) {
	err = r.retry(ctx, "headers", func() (err error) {
		headers, err = r.f.Headers(ctx, from, count)
		return err
	})
	return headers, err
}

// Body implements Fetcher.
func (r *RetryingFetcher) Body(ctx context.Context, hash common.Hash, number uint64) (body *inter.Body, err error) {
	err = r.retry(ctx, "body", func() (err error) {
		body, err = r.f.Body(ctx, hash, number)
		return err
	})
	return body, err
}

// Sidecars implements Fetcher.
func (r *RetryingFetcher) Sidecars(ctx context.Context, hash common.Hash, number uint64) (sidecars inter.BlobSidecars, err error) {
	err = r.retry(ctx, "sidecars", func() (err error) {
		sidecars, err = r.f.Sidecars(ctx, hash, number)
		return err
	})
	return sidecars, err
}
