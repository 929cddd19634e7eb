package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	writerBatchSize         = 64
	defaultWriterBufferSize = 256
)

// WriteFailure describes records the writer could not persist.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

type WriteFailureHandler func(WriteFailure)

// WriterMetrics holds optional callbacks invoked from the writer pipeline.
type WriterMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
}

// WriterStats is a point-in-time snapshot of the writer queue and counters.
type WriterStats struct {
	QueueCapacity        int              `json:"queue_capacity"`
	QueueDepth           int              `json:"queue_depth"`
	EnqueueAcceptedTotal int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64            `json:"enqueue_dropped_total"`
	WriteDroppedTotal    int64            `json:"write_dropped_total"`
	WriteFailuresByClass map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// Writer persists records off the request path. Enqueue never blocks; a
// full queue drops the record.
type Writer struct {
	store Store
	queue chan *Record
	wg    sync.WaitGroup

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	queueMu  sync.RWMutex

	onFailure atomic.Value // WriteFailureHandler
	metrics   atomic.Pointer[WriterMetrics]

	accepted     atomic.Int64
	dropped      atomic.Int64
	writeDropped atomic.Int64
	classMu      sync.Mutex
	byClass      map[string]int64
}

func NewWriter(store Store, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultWriterBufferSize
	}
	writer := &Writer{
		store:   store,
		queue:   make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		byClass: make(map[string]int64),
	}
	writer.onFailure.Store(WriteFailureHandler(func(WriteFailure) {}))
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if handler == nil {
		handler = func(WriteFailure) {}
	}
	w.onFailure.Store(handler)
}

func (w *Writer) SetMetrics(m *WriterMetrics) {
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

// Start launches the single worker goroutine. Later calls are no-ops.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for record := range w.queue {
			batch := make([]*Record, 0, writerBatchSize)
			batch = append(batch, record)
		drain:
			for len(batch) < writerBatchSize {
				select {
				case next, ok := <-w.queue:
					if !ok {
						break drain
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			w.flushBatch(batch)
		}
	}()
}

// Enqueue reports whether record was accepted.
func (w *Writer) Enqueue(record *Record) bool {
	if record == nil || w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	metrics := w.metrics.Load()
	select {
	case w.queue <- record:
		w.accepted.Add(1)
		if metrics.OnEnqueue != nil {
			metrics.OnEnqueue()
		}
		return true
	default:
		w.dropped.Add(1)
		if metrics.OnDrop != nil {
			metrics.OnDrop()
		}
		return false
	}
}

// Shutdown stops accepting records and waits for queued ones to be written
// or for ctx to end.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) Stats() WriterStats {
	stats := WriterStats{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.accepted.Load(),
		EnqueueDroppedTotal:  w.dropped.Load(),
		WriteDroppedTotal:    w.writeDropped.Load(),
	}
	w.classMu.Lock()
	if len(w.byClass) > 0 {
		stats.WriteFailuresByClass = make(map[string]int64, len(w.byClass))
		for class, count := range w.byClass {
			stats.WriteFailuresByClass[class] = count
		}
	}
	w.classMu.Unlock()
	return stats
}

func (w *Writer) flushBatch(batch []*Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.metrics.Load(); m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	ctx := context.Background()
	if len(batch) == 1 {
		if err := w.store.WriteRecord(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{Operation: "write_record", BatchSize: 1, FailedCount: 1, Err: err})
		}
		return
	}
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Retry row by row so one bad record does not sink the batch.
		failed := 0
		var firstErr error
		for _, record := range batch {
			if recordErr := w.store.WriteRecord(ctx, record); recordErr != nil {
				failed++
				if firstErr == nil {
					firstErr = recordErr
				}
			}
		}
		if failed > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, firstErr),
			})
		}
	}
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDropped.Add(int64(failure.FailedCount))
	w.classMu.Lock()
	w.byClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.classMu.Unlock()

	if handler, ok := w.onFailure.Load().(WriteFailureHandler); ok && handler != nil {
		handler(failure)
	}
}
