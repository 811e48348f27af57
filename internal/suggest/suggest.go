// Package suggest looks up item-name suggestions while the user types.
//
// Input is debounced, queries shorter than MinQueryLen clear the list
// without a request, and a newer input cancels any lookup still in
// flight. Results of superseded lookups are never delivered.
package suggest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/patrickmn/go-cache"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultDelay is how long input must be idle before a lookup.
	DefaultDelay = 200 * time.Millisecond

	// MinQueryLen is the shortest query, in characters, that is sent.
	MinQueryLen = 2

	// memoTTL bounds how long a query's suggestions are reused.
	memoTTL = time.Minute
)

// Fetcher returns suggestions for a query. api.Client satisfies it.
type Fetcher interface {
	Suggestions(ctx context.Context, q string) ([]models.Suggestion, error)
}

// Result is the suggestion list for one input. Seq increases with every
// Input call. Err is set when the lookup failed; Suggestions is then empty.
type Result struct {
	Seq         uint64              `json:"seq"`
	Query       string              `json:"query"`
	Suggestions []models.Suggestion `json:"suggestions"`
	Err         error               `json:"-"`
}

// Lookup debounces input and delivers the latest suggestions.
type Lookup struct {
	fetch  Fetcher
	delay  time.Duration
	memo   *cache.Cache
	logger *slog.Logger

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	timer    *time.Timer
	inflight context.CancelFunc
	out      chan Result
	closed   bool

	// last and changed let Wait observe results without consuming out.
	last    Result
	changed chan struct{}
}

// New returns a Lookup. A non-positive delay selects DefaultDelay.
func New(fetch Fetcher, delay time.Duration, logger *slog.Logger) *Lookup {
	if delay <= 0 {
		delay = DefaultDelay
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Lookup{
		fetch:   fetch,
		delay:   delay,
		memo:    cache.New(memoTTL, 0),
		logger:  logger,
		ctx:     ctx,
		stop:    stop,
		out:     make(chan Result, 1),
		changed: make(chan struct{}),
	}
}

// Results delivers suggestion lists. Only the most recent undelivered
// result is kept.
func (l *Lookup) Results() <-chan Result {
	return l.out
}

// Normalize returns the memo key for a query: trimmed, NFC-normalized
// and case-folded.
func Normalize(q string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(q)))
}

// Input records the current text of the name field and returns its
// sequence number. It returns 0 after Close.
func (l *Lookup) Input(text string) uint64 {
	q := strings.TrimSpace(text)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0
	}

	l.seq++
	seq := l.seq

	l.supersede()

	if utf8.RuneCountInString(q) < MinQueryLen {
		l.emit(Result{Seq: seq, Query: q})
		return seq
	}

	if cached, ok := l.memo.Get(Normalize(q)); ok {
		l.emit(Result{Seq: seq, Query: q, Suggestions: cached.([]models.Suggestion)})
		return seq
	}

	l.timer = time.AfterFunc(l.delay, func() { l.run(seq, q) })

	return seq
}

// Wait blocks until the result for seq, or for a later input, is
// available. A returned Seq greater than seq means the input was
// superseded before its lookup finished.
func (l *Lookup) Wait(ctx context.Context, seq uint64) (Result, error) {
	for {
		l.mu.Lock()
		last, changed := l.last, l.changed
		l.mu.Unlock()

		if last.Seq >= seq {
			return last, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-changed:
		}
	}
}

// Close stops pending and in-flight lookups. No results are delivered
// afterwards.
func (l *Lookup) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	l.closed = true
	l.supersede()
	l.stop()
	l.memo.Flush()
}

// supersede stops the pending timer and cancels the in-flight fetch.
// Callers hold mu.
func (l *Lookup) supersede() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	if l.inflight != nil {
		l.inflight()
		l.inflight = nil
	}
}

func (l *Lookup) run(seq uint64, q string) {
	ctx, cancel := context.WithCancel(l.ctx)
	defer cancel()

	l.mu.Lock()
	if seq != l.seq || l.closed {
		l.mu.Unlock()
		return
	}

	l.timer = nil
	l.inflight = cancel
	l.mu.Unlock()

	res, err := l.fetch.Suggestions(ctx, q)

	l.mu.Lock()
	defer l.mu.Unlock()

	if seq != l.seq || l.closed {
		l.logger.Debug("dropping stale suggestions", slog.String("query", q))
		return
	}

	l.inflight = nil

	if err != nil {
		l.logger.Debug("suggestion lookup failed", slog.String("query", q), slog.String("error", err.Error()))
		l.emit(Result{Seq: seq, Query: q, Err: err})

		return
	}

	l.memo.Set(Normalize(q), res, cache.DefaultExpiration)
	l.emit(Result{Seq: seq, Query: q, Suggestions: res})
}

// emit replaces any undelivered result with r and wakes waiters.
// Callers hold mu.
func (l *Lookup) emit(r Result) {
	select {
	case <-l.out:
	default:
	}

	l.out <- r

	l.last = r
	close(l.changed)
	l.changed = make(chan struct{})
}
