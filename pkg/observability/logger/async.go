package logger

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsyncConfig configures the async logger wrapper.
type AsyncConfig struct {
	Enabled      bool
	QueueSize    int
	WorkerCount  int
	DropWhenFull bool
}

type asyncEntry struct {
	write func(string, ...any)
	msg   string
	args  []any
}

type asyncDispatcher struct {
	entries      chan asyncEntry
	dropWhenFull bool
	dropped      atomic.Uint64
	wg           sync.WaitGroup
	stopOnce     sync.Once
	// mu guards sends against close; stopped is only flipped under the write lock.
	mu      sync.RWMutex
	stopped bool
}

// AsyncLogger hands entries to worker goroutines so hot paths such as the
// claim loop never block on a slow log sink.
type AsyncLogger struct {
	base       Logger
	dispatcher *asyncDispatcher
}

// WrapAsync wraps base when cfg.Enabled and returns base unchanged otherwise.
func WrapAsync(base Logger, cfg AsyncConfig) Logger {
	if !cfg.Enabled {
		return base
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	dispatcher := &asyncDispatcher{
		entries:      make(chan asyncEntry, queueSize),
		dropWhenFull: cfg.DropWhenFull,
	}
	for i := 0; i < workerCount; i++ {
		dispatcher.wg.Add(1)
		go func() {
			defer dispatcher.wg.Done()
			for entry := range dispatcher.entries {
				entry.write(entry.msg, entry.args...)
			}
		}()
	}

	return &AsyncLogger{base: base, dispatcher: dispatcher}
}

func (l *AsyncLogger) Debug(msg string, args ...any) { l.enqueue(l.base.Debug, msg, args) }
func (l *AsyncLogger) Info(msg string, args ...any)  { l.enqueue(l.base.Info, msg, args) }
func (l *AsyncLogger) Warn(msg string, args ...any)  { l.enqueue(l.base.Warn, msg, args) }
func (l *AsyncLogger) Error(msg string, args ...any) { l.enqueue(l.base.Error, msg, args) }

func (l *AsyncLogger) With(args ...any) Logger {
	return &AsyncLogger{base: l.base.With(args...), dispatcher: l.dispatcher}
}

func (l *AsyncLogger) WithContext(ctx context.Context) Logger {
	return &AsyncLogger{base: l.base.WithContext(ctx), dispatcher: l.dispatcher}
}

// Dropped reports how many entries were discarded because the queue was full.
func (l *AsyncLogger) Dropped() uint64 {
	return l.dispatcher.dropped.Load()
}

// Close drains queued entries, stops the workers and syncs the base logger
// when it supports Sync. Entries logged after Close are written inline.
func (l *AsyncLogger) Close() error {
	l.dispatcher.stop()
	if syncer, ok := l.base.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

func (l *AsyncLogger) enqueue(write func(string, ...any), msg string, args []any) {
	d := l.dispatcher
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		write(msg, args...)
		return
	}
	defer d.mu.RUnlock()

	entry := asyncEntry{write: write, msg: msg, args: args}
	if d.dropWhenFull {
		select {
		case d.entries <- entry:
		default:
			d.dropped.Add(1)
		}
		return
	}
	d.entries <- entry
}

func (d *asyncDispatcher) stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		close(d.entries)
		d.mu.Unlock()
		d.wg.Wait()
	})
}
