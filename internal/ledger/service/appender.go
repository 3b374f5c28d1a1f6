package service

import (
	"context"
	"sync"

	ledgerdomain "github.com/smallbiznis/caisse/internal/ledger/domain"
	"gorm.io/gorm"
)

type writeFunc func(ctx context.Context, tx *gorm.DB, draft ledgerdomain.JournalEntry) (ledgerdomain.JournalEntry, error)

type appendCall struct {
	ctx   context.Context
	tx    *gorm.DB
	draft ledgerdomain.JournalEntry
	reply chan appendResult
}

type appendResult struct {
	entry ledgerdomain.JournalEntry
	err   error
}

// appender owns every write to one register's chain. Calls are processed one
// at a time in arrival order, so two appends in this process can never read
// the same head.
type appender struct {
	calls    chan appendCall
	write    writeFunc
	mu       sync.RWMutex
	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

func newAppender(write writeFunc) *appender {
	a := &appender{
		calls: make(chan appendCall),
		write: write,
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *appender) run() {
	defer close(a.done)
	for call := range a.calls {
		// The write is never cut short by the caller: a half-finished append
		// is worse than a late one.
		entry, err := a.write(context.WithoutCancel(call.ctx), call.tx, call.draft)
		call.reply <- appendResult{entry: entry, err: err}
	}
}

// do hands the draft to the appender and waits for the committed entry. The
// caller's context only bounds the wait for a free slot; once accepted the
// write always completes.
func (a *appender) do(ctx context.Context, tx *gorm.DB, draft ledgerdomain.JournalEntry) (ledgerdomain.JournalEntry, error) {
	a.mu.RLock()
	if a.stopped {
		a.mu.RUnlock()
		return ledgerdomain.JournalEntry{}, ledgerdomain.ErrAppenderStopped
	}

	call := appendCall{ctx: ctx, tx: tx, draft: draft, reply: make(chan appendResult, 1)}
	select {
	case a.calls <- call:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ledgerdomain.JournalEntry{}, ctx.Err()
	}

	res := <-call.reply
	return res.entry, res.err
}

func (a *appender) stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		close(a.calls)
		a.mu.Unlock()
		<-a.done
	})
}
