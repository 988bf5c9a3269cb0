package replay

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tapesim/internal/data"
	"tapesim/internal/logger"
	"tapesim/internal/market"
)

// ErrClockViolation means a source produced data that would move the
// simulation clock backwards. The run aborts rather than replay out of order.
var ErrClockViolation = errors.New("simulation clock violation")

// Item is one sequenced element: a market record or a session boundary,
// never both.
type Item struct {
	At       time.Time
	Record   market.Record
	Boundary *market.Boundary
}

type cursor struct {
	seq      int // stream registration order breaks full ties
	iter     *data.Iterator
	cal      market.Calendar
	skipGaps bool

	// current head, valid when done is false
	item Item
	cls  market.Class
	done bool
}

// advance pulls the cursor's next record and stamps its dispatch time.
func (c *cursor) advance(ctx context.Context) error {
	for {
		rec, err := c.iter.Next(ctx)
		if err == io.EOF {
			c.done = true
			return nil
		}
		if err != nil {
			if c.skipGaps && data.Unavailable(err) {
				logger.Warnf("[replay] skipping unavailable data: %v", err)
				continue
			}
			return err
		}
		c.item = Item{At: dispatchTime(rec, c.cal), Record: rec}
		c.cls = rec.Class()
		return nil
	}
}

// dispatchTime maps a record to the instant it becomes knowable: ticks at
// their timestamp, bars at the end of their period. Day-and-wider bars
// anchor to the covering session's close so a daily bar fires at 16:00,
// not midnight.
func dispatchTime(rec market.Record, cal market.Calendar) time.Time {
	bar, ok := rec.(market.Bar)
	if !ok {
		return rec.RecordTime()
	}
	end := bar.PeriodEnd()
	if bar.Span.Intraday() {
		return end
	}
	if at, ok := cal.CloseForPeriod(bar.Timestamp, end); ok {
		return at
	}
	return end
}

type boundaryCursor struct {
	seq        int
	boundaries []market.Boundary
	pos        int
}

func (b *boundaryCursor) head() (Item, market.Class, bool) {
	if b.pos >= len(b.boundaries) {
		return Item{}, 0, false
	}
	bd := b.boundaries[b.pos]
	return Item{At: bd.At, Boundary: &bd}, market.ClassSessionEvent, true
}

type mergeEntry struct {
	at     time.Time
	cls    market.Class
	seq    int
	cursor *cursor         // nil for the boundary stream
	bounds *boundaryCursor // nil for data streams
	item   Item
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	if h[i].cls != h[j].cls {
		return h[i].cls < h[j].cls
	}
	return h[i].seq < h[j].seq
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeEntry)) }
func (h *mergeHeap) Pop() any          { old := *h; n := len(old); e := old[n-1]; *h = old[:n-1]; return e }

// Sequencer merges several per-stream iterators and the session calendar
// into one chronological feed. Ties at an instant dispatch trades, then
// quotes, then bars, then session boundaries; within a class, stream
// registration order wins. The merge is lazy: each stream holds one
// buffered head, so only the buckets actually reached get resolved.
type Sequencer struct {
	cursors []*cursor
	bounds  *boundaryCursor
	heap    mergeHeap
	primed  bool
	last    time.Time
	pending error // refill failure, surfaced after the current item
}

// SequencerConfig assembles a sequencer over [from, to).
type SequencerConfig struct {
	Streams  []*data.Stream
	Calendar market.Calendar
	From     time.Time
	To       time.Time
	SkipGaps bool // skip buckets the provider cannot serve instead of aborting
}

func NewSequencer(cfg SequencerConfig) *Sequencer {
	s := &Sequencer{}
	for i, stream := range cfg.Streams {
		s.cursors = append(s.cursors, &cursor{
			seq:      i,
			iter:     stream.Iterator(),
			cal:      cfg.Calendar,
			skipGaps: cfg.SkipGaps,
		})
	}
	var boundaries []market.Boundary
	for _, bd := range cfg.Calendar.Boundaries() {
		if bd.At.Before(cfg.From) || !bd.At.Before(cfg.To) {
			continue
		}
		boundaries = append(boundaries, bd)
	}
	s.bounds = &boundaryCursor{seq: len(cfg.Streams), boundaries: boundaries}
	return s
}

func (s *Sequencer) prime(ctx context.Context) error {
	s.heap = s.heap[:0]
	for _, c := range s.cursors {
		if err := c.advance(ctx); err != nil {
			return err
		}
		if !c.done {
			s.heap = append(s.heap, mergeEntry{at: c.item.At, cls: c.cls, seq: c.seq, cursor: c, item: c.item})
		}
	}
	if item, cls, ok := s.bounds.head(); ok {
		s.heap = append(s.heap, mergeEntry{at: item.At, cls: cls, seq: s.bounds.seq, bounds: s.bounds, item: item})
	}
	heap.Init(&s.heap)
	s.primed = true
	return nil
}

// Next yields the next item in simulation order, io.EOF when every stream
// and the calendar are exhausted.
func (s *Sequencer) Next(ctx context.Context) (Item, error) {
	if !s.primed {
		if err := s.prime(ctx); err != nil {
			return Item{}, err
		}
	}
	if s.pending != nil {
		err := s.pending
		s.pending = nil
		return Item{}, err
	}
	if len(s.heap) == 0 {
		return Item{}, io.EOF
	}
	entry := heap.Pop(&s.heap).(mergeEntry)

	// Refill from whichever stream we just consumed. A refill failure is
	// held back so the already-popped item still gets delivered.
	if entry.cursor != nil {
		c := entry.cursor
		if err := c.advance(ctx); err != nil {
			s.pending = err
		} else if !c.done {
			if c.item.At.Before(entry.at) {
				s.pending = fmt.Errorf("%w: stream %d went from %s back to %s",
					ErrClockViolation, c.seq, entry.at.Format(time.RFC3339Nano), c.item.At.Format(time.RFC3339Nano))
			} else {
				heap.Push(&s.heap, mergeEntry{at: c.item.At, cls: c.cls, seq: c.seq, cursor: c, item: c.item})
			}
		}
	} else {
		entry.bounds.pos++
		if item, cls, ok := entry.bounds.head(); ok {
			heap.Push(&s.heap, mergeEntry{at: item.At, cls: cls, seq: entry.bounds.seq, bounds: entry.bounds, item: item})
		}
	}

	if entry.at.Before(s.last) {
		return Item{}, fmt.Errorf("%w: %s after %s",
			ErrClockViolation, entry.at.Format(time.RFC3339Nano), s.last.Format(time.RFC3339Nano))
	}
	s.last = entry.at
	return entry.item, nil
}
