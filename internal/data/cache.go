package data

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"tapesim/internal/logger"
	"tapesim/internal/market"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultPageSize    = 50_000
	defaultMaxAttempts = 3
	defaultRetryBase   = 500 * time.Millisecond
)

// CacheConfig configures the persistent bucket cache.
type CacheConfig struct {
	Root        string
	Source      Source
	Disabled    bool          // skip disk entirely, fetch on every resolve
	PageSize    int           // max records per provider call
	MaxAttempts int           // fetch attempts per bucket
	RetryBase   time.Duration // first backoff delay, doubled per attempt
	RatePerMin  int           // provider request budget; 0 means unlimited
}

// Cache resolves buckets to record slices, fetching from the provider at
// most once per bucket and persisting results as one file per bucket.
type Cache struct {
	root        string
	source      Source
	disabled    bool
	pageSize    int
	maxAttempts int
	retryBase   time.Duration
	limiter     *rate.Limiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("cache source cannot be nil")
	}
	if cfg.Root == "" && !cfg.Disabled {
		return nil, fmt.Errorf("cache root cannot be empty")
	}
	if !cfg.Disabled {
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, err
		}
	}
	c := &Cache{
		root:        cfg.Root,
		source:      cfg.Source,
		disabled:    cfg.Disabled,
		pageSize:    cfg.PageSize,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		locks:       make(map[string]*sync.Mutex),
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.retryBase <= 0 {
		c.retryBase = defaultRetryBase
	}
	if cfg.RatePerMin > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60.0), cfg.RatePerMin)
	}
	return c, nil
}

// Resolve returns the bucket's records in ascending timestamp order. Cache
// hits never touch the provider; misses fetch, persist, then return. For a
// given bucket key, at most one fetch-and-write runs at a time process-wide.
func (c *Cache) Resolve(ctx context.Context, b market.Bucket) ([]market.Record, error) {
	lock := c.lockFor(b.Key())
	lock.Lock()
	defer lock.Unlock()

	path := b.Path(c.root)
	if !c.disabled {
		records, err := readBucketFile(path, b)
		if err == nil {
			return records, nil
		}
		if !os.IsNotExist(err) {
			logger.Warnf("[data] %s: %v, refetching", b.Key(), err)
		}
	}

	records, err := c.fetchBucket(ctx, b)
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	if !c.disabled {
		if err := writeBucketFile(path, b, records); err != nil {
			// The fetch succeeded; a failed write only costs a refetch later.
			logger.Warnf("[data] persisting %s failed: %v", b.Key(), err)
		}
	}
	return records, nil
}

// Warm resolves distinct buckets with bounded in-flight concurrency.
func (c *Cache) Warm(ctx context.Context, buckets []market.Bucket, parallel int) error {
	if parallel <= 0 {
		parallel = 2
	}
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for _, b := range buckets {
		bucket := b
		group.Go(func() error {
			_, err := c.Resolve(gctx, bucket)
			return err
		})
	}
	return group.Wait()
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[key] = l
	return l
}

// fetchBucket pulls every page of the bucket range, retrying the whole
// bucket with exponential backoff; exhausted retries wrap ErrUnavailable.
func (c *Cache) fetchBucket(ctx context.Context, b market.Bucket) ([]market.Record, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		records, err := c.fetchPages(ctx, b)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logger.Warnf("[data] fetch %s attempt %d/%d failed: %v", b.Key(), attempt, c.maxAttempts, err)
		if attempt < c.maxAttempts {
			if err := sleepContext(ctx, c.retryBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("fetch %s failed after %d attempts (%v): %w", b.Key(), c.maxAttempts, lastErr, ErrUnavailable)
}

func (c *Cache) fetchPages(ctx context.Context, b market.Bucket) ([]market.Record, error) {
	var out []market.Record
	token := ""
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		page, err := c.source.Fetch(ctx, FetchRequest{
			Symbol:    b.Symbol,
			Kind:      b.Kind,
			Span:      b.Span,
			Start:     b.Start(),
			End:       b.End(),
			PageToken: token,
			Limit:     c.pageSize,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Unavailable reports whether err means the provider gave up on a bucket.
func Unavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
