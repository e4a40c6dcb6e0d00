package playback

import (
	"context"
	"errors"
	"math"

	"github.com/basekick-labs/arcplay/internal/message"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/google/uuid"
)

type iterState int

const (
	stateScanning iterState = iota
	stateDraining
	stateExhausted
)

func (s iterState) String() string {
	switch s {
	case stateScanning:
		return "scanning"
	case stateDraining:
		return "draining"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Iterator yields messages of the selected channels in non-decreasing log
// time. Each step decodes every record in [cursor, cursor+window) into a
// pending queue and drains it before moving on; the next window starts at
// the earliest timestamp after the drained one, so gaps cost nothing.
//
// Usage follows the usual pull pattern:
//
//	for it.Next() {
//		msg := it.At()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	id       string
	ctx      context.Context
	loader   *Loader
	channels []*topic.Channel
	window   int64
	end      int64

	state   iterState
	cursor  int64
	more    bool // another window follows the current one
	queue   *pending
	current message.Message
	err     error
	closed  bool
}

// CreateIterator starts playback of args.Channels over [Start, End).
func (l *Loader) CreateIterator(ctx context.Context, args IteratorArgs) (*Iterator, error) {
	if l.closed {
		return nil, ErrClosed
	}
	channels, err := l.selectChannels(args.Channels)
	if err != nil {
		return nil, err
	}
	start, end, err := l.bounds(args)
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		id:       uuid.NewString(),
		ctx:      ctx,
		loader:   l,
		channels: channels,
		window:   l.window,
		end:      end,
	}
	it.cursor, it.more = it.nextKey(start)
	if !it.more {
		it.state = stateExhausted
	}

	l.metrics.IteratorOpened()
	l.logger.Debug().
		Str("iterator", it.id).
		Int("channels", len(channels)).
		Int64("start", start).
		Int64("end", end).
		Msg("Iterator created")
	return it, nil
}

// ID identifies the iterator in logs and API cursors.
func (it *Iterator) ID() string { return it.id }

// nextKey is the smallest timestamp >= t across the selected channels that
// is still before the end bound.
func (it *Iterator) nextKey(t int64) (int64, bool) {
	best, found := int64(math.MaxInt64), false
	for _, ch := range it.channels {
		ts, ok := ch.Index.FirstAtOrAfter(t)
		if ok && ts < it.end && (!found || ts < best) {
			best, found = ts, true
		}
	}
	return best, found
}

// Next advances to the following message. It returns false once the range
// is exhausted or an error occurred; check Err to tell them apart.
func (it *Iterator) Next() bool {
	for {
		switch it.state {
		case stateDraining:
			if msg, ok := it.queue.pop(); ok {
				it.current = msg
				it.loader.metrics.IncMessages(len(msg.Data))
				return true
			}
			it.queue = nil
			if it.more {
				it.state = stateScanning
			} else {
				it.state = stateExhausted
			}
		case stateScanning:
			if err := it.ctx.Err(); err != nil {
				return it.fail(err)
			}
			if err := it.scan(); err != nil {
				return it.fail(err)
			}
			it.state = stateDraining
		default:
			return false
		}
	}
}

// scan decodes the window at the cursor and positions the cursor at the
// first key of the next window.
func (it *Iterator) scan() error {
	winEnd := it.end
	if it.cursor <= math.MaxInt64-it.window && it.cursor+it.window < winEnd {
		winEnd = it.cursor + it.window
	}

	q := newPending()
	var decodeErr error
	for _, ch := range it.channels {
		ch.Index.Range(it.cursor, winEnd, func(ts int64, records []uint64) bool {
			for _, rec := range records {
				msg, err := it.loader.decode(it.ctx, ch, rec, ts)
				if err != nil {
					decodeErr = err
					return false
				}
				q.push(msg)
			}
			return true
		})
		if decodeErr != nil {
			return decodeErr
		}
	}

	it.queue = q
	it.loader.metrics.IncWindows()
	it.loader.metrics.ObservePending(q.Len())
	it.loader.logger.Trace().
		Str("iterator", it.id).
		Int64("from", it.cursor).
		Int64("to", winEnd).
		Int("messages", q.Len()).
		Msg("Window scanned")

	it.cursor, it.more = it.nextKey(winEnd)
	return nil
}

func (it *Iterator) fail(err error) bool {
	it.err = err
	it.queue = nil
	it.state = stateExhausted
	if errors.Is(err, ErrDecode) {
		it.loader.logger.Error().Err(err).Str("iterator", it.id).Msg("Playback stopped")
	}
	return false
}

// At returns the message Next moved to.
func (it *Iterator) At() message.Message { return it.current }

// Err returns the error that ended iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator. It is safe to call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.queue = nil
	it.state = stateExhausted
	it.loader.metrics.IteratorClosed()
	return nil
}
