// Package botlog buffers operational log rows and flushes them to the store
// from an independent consumer goroutine, keeping the trading paths free of
// synchronous database writes.
package botlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"perpbot/internal/domain"
)

const (
	defaultBufferSize    = 1024
	defaultFlushSize     = 50
	defaultFlushInterval = 2 * time.Second
	flushTimeout         = 5 * time.Second
)

// Writer is an asynchronous domain.BotLogStore front. Rows are accepted on a
// buffered channel; when the buffer is full the row is dropped rather than
// blocking the caller.
type Writer struct {
	store domain.BotLogStore
	log   *slog.Logger

	ch            chan domain.BotLog
	flushSize     int
	flushInterval time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// NewWriter starts the consumer goroutine and returns the writer.
func NewWriter(store domain.BotLogStore, log *slog.Logger) *Writer {
	w := &Writer{
		store:         store,
		log:           log.With(slog.String("component", "botlog")),
		ch:            make(chan domain.BotLog, defaultBufferSize),
		flushSize:     defaultFlushSize,
		flushInterval: defaultFlushInterval,
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// Log enqueues one row. It never blocks; an overflowing buffer drops the row
// and counts it against the next flush's log line.
func (w *Writer) Log(userID, level, category, message string, detail map[string]any) {
	entry := domain.BotLog{
		UserID:    userID,
		Level:     level,
		Category:  category,
		Message:   message,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case <-w.stopped:
	case w.ch <- entry:
	default:
		w.log.Warn("bot log buffer full, dropping entry",
			slog.String("category", category))
	}
}

// Info enqueues an info-level row.
func (w *Writer) Info(userID, category, message string, detail map[string]any) {
	w.Log(userID, "info", category, message, detail)
}

// Error enqueues an error-level row.
func (w *Writer) Error(userID, category, message string, detail map[string]any) {
	w.Log(userID, "error", category, message, detail)
}

// Close stops the consumer after flushing everything still buffered.
func (w *Writer) Close() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.BotLog, 0, w.flushSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := w.store.InsertBatch(ctx, batch); err != nil {
			w.log.Warn("bot log flush failed",
				slog.Int("rows", len(batch)),
				slog.String("error", err.Error()))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= w.flushSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.stopped:
			// Drain whatever made it into the channel before the stop.
			for {
				select {
				case entry := <-w.ch:
					batch = append(batch, entry)
					if len(batch) >= w.flushSize {
						flush()
					}
					continue
				default:
				}
				break
			}
			flush()
			return
		}
	}
}
