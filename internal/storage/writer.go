package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventSink persists one event. *DB is the production sink.
type EventSink interface {
	LogSecurityEvent(ctx context.Context, event *SecurityEvent) error
}

// AuditWriter persists security events off the request path.
type AuditWriter struct {
	sink    EventSink
	ch      chan *SecurityEvent
	wg      sync.WaitGroup
	done    chan struct{}
	backoff time.Duration
}

func NewAuditWriter(sink EventSink, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		sink:    sink,
		ch:      make(chan *SecurityEvent, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues an event, dropping it when the buffer is full.
func (w *AuditWriter) Log(event *SecurityEvent) {
	select {
	case w.ch <- event:
	default:
		log.Warn().
			Str("session_id", event.SessionID).
			Str("type", event.Type).
			Msg("audit buffer full, dropping security event")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case event := <-w.ch:
			w.writeWithRetry(event)
		case <-w.done:
			for {
				select {
				case event := <-w.ch:
					w.writeWithRetry(event)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(event *SecurityEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.sink.LogSecurityEvent(ctx, event)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("session_id", event.SessionID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("session_id", event.SessionID).
				Msg("audit write failed permanently after retries")
		}
	}
}
