package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pmchat/internal/domain"
	"pmchat/internal/metrics"
)

const readChunkSize = 4096

// StreamHandle is the live body of an in-progress assistant reply. It has a
// single consumer: use either Read or Consume, once, and Close when done.
type StreamHandle struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	logger *slog.Logger

	started   time.Time
	consumed  atomic.Bool
	closeOnce sync.Once
}

func newStreamHandle(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, logger *slog.Logger) *StreamHandle {
	metrics.ActiveStreams.Inc()
	return &StreamHandle{
		ctx:     ctx,
		cancel:  cancel,
		body:    body,
		logger:  logger,
		started: time.Now(),
	}
}

// Read implements io.Reader. After cancellation it returns domain.ErrCanceled.
func (h *StreamHandle) Read(p []byte) (int, error) {
	h.consumed.Store(true)
	n, err := h.body.Read(p)
	metrics.StreamBytes.Add(int64(n))
	if err != nil && err != io.EOF && h.ctx.Err() != nil {
		return n, domain.ErrCanceled
	}
	return n, err
}

// Close aborts the request if it is still running and releases the body.
// It is safe to call more than once.
func (h *StreamHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.cancel()
		err = h.body.Close()
		metrics.ActiveStreams.Dec()
		metrics.StreamLatency.Observe(time.Since(h.started).Seconds())
	})
	return err
}

// Canceled reports whether the stream was aborted by its context.
func (h *StreamHandle) Canceled() bool {
	return errors.Is(h.ctx.Err(), context.Canceled)
}

// Consume drains the stream, calling onChunk (if non-nil) with each piece of
// text as it arrives, and returns the full text. Chunks never split a UTF-8
// sequence. The handle is closed on return. If the context is canceled
// mid-stream the partial text is returned with domain.ErrCanceled.
func (h *StreamHandle) Consume(onChunk func(string)) (string, error) {
	if !h.consumed.CompareAndSwap(false, true) {
		return "", domain.ErrStreamConsumed
	}
	defer h.Close()

	var (
		text    strings.Builder
		pending []byte
		buf     = make([]byte, readChunkSize)
	)
	for {
		n, err := h.body.Read(buf)
		if n > 0 {
			metrics.StreamBytes.Add(int64(n))
			pending = append(pending, buf[:n]...)
			complete := completeUTF8Prefix(pending)
			if complete > 0 {
				chunk := string(pending[:complete])
				text.WriteString(chunk)
				if onChunk != nil {
					onChunk(chunk)
				}
				pending = append(pending[:0], pending[complete:]...)
			}
		}
		if err == io.EOF {
			if len(pending) > 0 {
				text.Write(pending)
				if onChunk != nil {
					onChunk(string(pending))
				}
			}
			return text.String(), nil
		}
		if err != nil {
			if h.ctx.Err() != nil {
				h.logger.Debug("stream aborted", "bytes", text.Len())
				return text.String(), domain.ErrCanceled
			}
			return text.String(), &domain.NetworkError{Op: "read stream", Err: err}
		}
	}
}

// completeUTF8Prefix returns the length of the longest prefix of b that does
// not end inside a multi-byte UTF-8 sequence.
func completeUTF8Prefix(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if utf8.RuneStart(b[start]) {
			if utf8.FullRune(b[start:]) {
				return len(b)
			}
			return start
		}
	}
	return len(b)
}
