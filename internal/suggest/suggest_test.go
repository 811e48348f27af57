package suggest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/listsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFetcher struct {
	mu      sync.Mutex
	queries []string
	blockOn string
	failOn  string
}

func (f *fakeFetcher) Suggestions(ctx context.Context, q string) ([]models.Suggestion, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	block := q == f.blockOn
	fail := q == f.failOn
	f.mu.Unlock()

	if fail {
		return nil, errors.New("server unavailable")
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return []models.Suggestion{{Name: q + "!"}}, nil
}

func (f *fakeFetcher) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.queries...)
}

func next(t *testing.T, l *Lookup) Result {
	t.Helper()

	select {
	case r := <-l.Results():
		return r
	default:
		t.Fatal("expected a result")
		return Result{}
	}
}

func none(t *testing.T, l *Lookup) {
	t.Helper()

	select {
	case r := <-l.Results():
		t.Fatalf("unexpected result %+v", r)
	default:
	}
}

func TestInput_Debounces(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		l.Input("mi")
		time.Sleep(100 * time.Millisecond)
		l.Input("mil")
		time.Sleep(100 * time.Millisecond)
		l.Input("milk")

		time.Sleep(199 * time.Millisecond)
		synctest.Wait()
		assert.Empty(t, f.Queries())

		time.Sleep(2 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, []string{"milk"}, f.Queries())

		r := next(t, l)
		assert.Equal(t, uint64(3), r.Seq)
		assert.Equal(t, "milk", r.Query)
		require.Len(t, r.Suggestions, 1)
		assert.Equal(t, "milk!", r.Suggestions[0].Name)
	})
}

func TestInput_ShortQueryClearsWithoutFetch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		l.Input("m ")

		r := next(t, l)
		assert.Equal(t, "m", r.Query)
		assert.Empty(t, r.Suggestions)

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Empty(t, f.Queries())
	})
}

func TestInput_ShortQueryCancelsPendingLookup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		l.Input("milk")
		time.Sleep(50 * time.Millisecond)
		l.Input("")

		time.Sleep(time.Second)
		synctest.Wait()

		assert.Empty(t, f.Queries())
		assert.Empty(t, next(t, l).Suggestions)
	})
}

func TestInput_SupersedesInFlightLookup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{blockOn: "mi"}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		l.Input("mi")
		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		require.Equal(t, []string{"mi"}, f.Queries())
		none(t, l)

		l.Input("mil")
		time.Sleep(200 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []string{"mi", "mil"}, f.Queries())

		r := next(t, l)
		assert.Equal(t, "mil", r.Query)
		assert.Equal(t, uint64(2), r.Seq)
		none(t, l)
	})
}

func TestInput_MemoizesNormalizedQueries(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		l.Input("Milk")
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()
		assert.Equal(t, "Milk!", next(t, l).Suggestions[0].Name)

		l.Input("  MILK ")

		r := next(t, l)
		assert.Equal(t, "MILK", r.Query)
		assert.Equal(t, "Milk!", r.Suggestions[0].Name)

		time.Sleep(time.Second)
		synctest.Wait()
		assert.Len(t, f.Queries(), 1)
	})
}

func TestClose_StopsPendingLookup(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)

		l.Input("milk")
		l.Close()
		l.Input("bread")

		time.Sleep(time.Second)
		synctest.Wait()

		assert.Empty(t, f.Queries())
		none(t, l)
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Normalize("CAFÉ"), Normalize("  Café "))
	assert.Equal(t, "café", Normalize("Café"))
}

func TestWait_ReturnsOwnResult(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		seq := l.Input("milk")

		r, err := l.Wait(context.Background(), seq)
		require.NoError(t, err)
		assert.Equal(t, seq, r.Seq)
		assert.Equal(t, "milk!", r.Suggestions[0].Name)
	})
}

func TestWait_SupersededReturnsNewer(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		first := l.Input("mil")

		got := make(chan Result, 1)
		go func() {
			r, _ := l.Wait(context.Background(), first)
			got <- r
		}()

		time.Sleep(50 * time.Millisecond)
		second := l.Input("milk")

		r := <-got
		assert.Equal(t, second, r.Seq)
		assert.Equal(t, "milk", r.Query)
		assert.Equal(t, []string{"milk"}, f.Queries())
	})
}

func TestWait_ContextCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{blockOn: "milk"}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		seq := l.Input("milk")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := l.Wait(ctx, seq)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestInput_FailedLookupReportsError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := &fakeFetcher{failOn: "milk"}
		l := New(f, 200*time.Millisecond, quietLogger)
		defer l.Close()

		seq := l.Input("milk")

		r, err := l.Wait(context.Background(), seq)
		require.NoError(t, err)
		require.Error(t, r.Err)
		assert.Empty(t, r.Suggestions)

		l.Input("bread")
		l.Input("milk")
		time.Sleep(250 * time.Millisecond)
		synctest.Wait()

		assert.Equal(t, []string{"milk", "milk"}, f.Queries(), "failures are not memoized")
	})
}
