package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"agent-refinery/internal/feedback"
)

// MetricWriter decouples metric persistence from the execution hot path.
// Records are buffered and written by a background goroutine; when the
// buffer is full the record is dropped rather than blocking an execution.
type MetricWriter struct {
	db   *DB
	ch   chan feedback.MetricRecord
	wg   sync.WaitGroup
	done chan struct{}

	// OnDrop, when set, is invoked for every record dropped because the
	// buffer was full. Set before Start.
	OnDrop func()
}

func NewMetricWriter(db *DB, bufferSize int) *MetricWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &MetricWriter{
		db:   db,
		ch:   make(chan feedback.MetricRecord, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *MetricWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record enqueues one metric. Never blocks.
func (w *MetricWriter) Record(m feedback.MetricRecord) {
	select {
	case w.ch <- m:
	default:
		log.Warn().Str("execution_id", m.ExecutionID).Msg("metric buffer full, dropping record")
		if w.OnDrop != nil {
			w.OnDrop()
		}
	}
}

// Flush stops the writer and drains buffered records, bounded by timeout.
func (w *MetricWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("metric writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("metric writer flush timed out")
	}
}

func (w *MetricWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case m := <-w.ch:
			w.writeWithRetry(m)
		case <-w.done:
			// Drain remaining records
			for {
				select {
				case m := <-w.ch:
					w.writeWithRetry(m)
				default:
					return
				}
			}
		}
	}
}

func (w *MetricWriter) writeWithRetry(m feedback.MetricRecord) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertMetrics(ctx, m)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("execution_id", m.ExecutionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("metric write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("execution_id", m.ExecutionID).
				Msg("metric write failed permanently after retries")
		}
	}
}
