package data

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tapesim/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves canned records keyed by the requested day and counts
// provider calls.
type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]market.Record // key: start date
	pageSize int                        // 0 means everything in one page
	failures int                        // errors to return before succeeding
	calls    atomic.Int64
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Calendar(context.Context, time.Time, time.Time) (market.Calendar, error) {
	return nil, nil
}

func (f *fakeSource) Fetch(_ context.Context, req FetchRequest) (Page, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return Page{}, fmt.Errorf("provider hiccup")
	}
	records := f.records[req.Start.Format("2006-01-02")]
	if f.pageSize <= 0 {
		return Page{Records: records}, nil
	}
	offset := 0
	if req.PageToken != "" {
		fmt.Sscanf(req.PageToken, "%d", &offset)
	}
	end := offset + f.pageSize
	if end >= len(records) {
		return Page{Records: records[offset:]}, nil
	}
	return Page{Records: records[offset:end], NextToken: fmt.Sprintf("%d", end)}, nil
}

func tradeAt(ts time.Time, price float64) market.Trade {
	return market.Trade{Symbol: "AAPL", Timestamp: ts, Price: price, Size: 100}
}

func tradesForDay(day time.Time, n int) []market.Record {
	out := make([]market.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, tradeAt(day.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	return out
}

func newTestCache(t *testing.T, source Source) *Cache {
	t.Helper()
	cache, err := NewCache(CacheConfig{
		Root:      t.TempDir(),
		Source:    source,
		RetryBase: time.Millisecond,
	})
	require.NoError(t, err)
	return cache
}

func TestCacheResolveFetchesOncePerBucket(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(day, 5),
	}}
	cache := newTestCache(t, source)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	records, err := cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, int64(1), source.calls.Load())

	// Second resolve is a disk hit.
	records, err = cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 5)
	assert.Equal(t, int64(1), source.calls.Load())
}

func TestCacheConcurrentResolveSingleFetch(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(day, 10),
	}}
	cache := newTestCache(t, source)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := cache.Resolve(context.Background(), bucket)
			assert.NoError(t, err)
			assert.Len(t, records, 10)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), source.calls.Load())
}

func TestCachePaginatesUntilExhausted(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{
		records:  map[string][]market.Record{"2024-03-04": tradesForDay(day, 25)},
		pageSize: 10,
	}
	cache := newTestCache(t, source)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	records, err := cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 25)
	assert.Equal(t, int64(3), source.calls.Load())
}

func TestCacheRetriesThenSucceeds(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{
		records:  map[string][]market.Record{"2024-03-04": tradesForDay(day, 3)},
		failures: 2,
	}
	cache := newTestCache(t, source)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	records, err := cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, int64(3), source.calls.Load())
}

func TestCacheExhaustedRetriesWrapUnavailable(t *testing.T) {
	source := &fakeSource{failures: 100}
	cache := newTestCache(t, source)
	bucket := market.Bucket{Symbol: "AAPL", Date: date(2024, time.March, 4), Kind: market.KindTrade}

	_, err := cache.Resolve(context.Background(), bucket)
	require.Error(t, err)
	assert.True(t, Unavailable(err))
}

func TestCacheCorruptFileRefetched(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(day, 4),
	}}
	root := t.TempDir()
	cache, err := NewCache(CacheConfig{Root: root, Source: source, RetryBase: time.Millisecond})
	require.NoError(t, err)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	_, err = cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(bucket.Path(root), []byte("{not json"), 0o644))

	records, err := cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 4)
	assert.Equal(t, int64(2), source.calls.Load())

	// The refetch healed the file.
	records, err = cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)
	assert.Len(t, records, 4)
	assert.Equal(t, int64(2), source.calls.Load())
}

func TestCacheHeaderMismatchIsCorrupt(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(day, 2),
	}}
	root := t.TempDir()
	cache, err := NewCache(CacheConfig{Root: root, Source: source, RetryBase: time.Millisecond})
	require.NoError(t, err)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	_, err = cache.Resolve(context.Background(), bucket)
	require.NoError(t, err)

	// Direct read of a file whose header names another symbol must fail.
	other := market.Bucket{Symbol: "MSFT", Date: day, Kind: market.KindTrade}
	_, err = readBucketFile(bucket.Path(root), other)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheCorrupt)
}

func TestCacheDisabledSkipsDisk(t *testing.T) {
	day := date(2024, time.March, 4)
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(day, 2),
	}}
	cache, err := NewCache(CacheConfig{Source: source, Disabled: true, RetryBase: time.Millisecond})
	require.NoError(t, err)
	bucket := market.Bucket{Symbol: "AAPL", Date: day, Kind: market.KindTrade}

	for i := 0; i < 3; i++ {
		records, err := cache.Resolve(context.Background(), bucket)
		require.NoError(t, err)
		assert.Len(t, records, 2)
	}
	assert.Equal(t, int64(3), source.calls.Load())
}

func TestCacheWarmResolvesAllBuckets(t *testing.T) {
	source := &fakeSource{records: map[string][]market.Record{
		"2024-03-04": tradesForDay(date(2024, time.March, 4), 1),
		"2024-03-05": tradesForDay(date(2024, time.March, 5), 1),
		"2024-03-06": tradesForDay(date(2024, time.March, 6), 1),
	}}
	cache := newTestCache(t, source)
	buckets := Plan("AAPL", market.KindTrade, market.SpanDay, date(2024, time.March, 4), date(2024, time.March, 7))

	require.NoError(t, cache.Warm(context.Background(), buckets, 3))
	assert.Equal(t, int64(3), source.calls.Load())
}
