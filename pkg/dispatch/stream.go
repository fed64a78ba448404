package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/provider"
)

// Stream hands chunks to the consumer while a background goroutine reads
// them from the provider. The full text is assembled as chunks are
// consumed and is only reported complete after the provider signalled
// the end of the response.
//
// A Stream is consumed from one goroutine. To abort it from elsewhere,
// cancel the context the request was dispatched with.
type Stream struct {
	reader provider.ChunkReader
	cancel context.CancelFunc
	g      *errgroup.Group
	chunks chan string

	cur      string
	full     strings.Builder
	err      error
	finished bool
	complete bool
}

func newStream(ctx context.Context, cancel context.CancelFunc, r provider.ChunkReader, op string) *Stream {
	g, gctx := errgroup.WithContext(ctx)
	s := &Stream{
		reader: r,
		cancel: cancel,
		g:      g,
		chunks: make(chan string),
	}
	pumped := make(chan struct{})
	g.Go(func() error {
		defer close(pumped)
		defer close(s.chunks)
		for {
			chunk, err := r.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return llmerr.New(llmerr.KindCancelled, op, ctx.Err())
				}
				return llmerr.Classify(op, err)
			}
			if chunk == "" {
				continue
			}
			select {
			case s.chunks <- chunk:
			case <-gctx.Done():
				return llmerr.New(llmerr.KindCancelled, op, gctx.Err())
			}
		}
	})
	// Recv may block on the network; closing the reader unblocks it.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			r.Close()
		case <-pumped:
		}
		return nil
	})
	return s
}

// Next waits for the next chunk. It returns false when the stream ended,
// successfully or not; Err tells which.
func (s *Stream) Next() bool {
	if s.finished {
		return false
	}
	chunk, ok := <-s.chunks
	if !ok {
		s.finish()
		return false
	}
	s.cur = chunk
	s.full.WriteString(chunk)
	return true
}

// Text returns the chunk read by the last call to Next.
func (s *Stream) Text() string { return s.cur }

// Full returns everything received so far.
func (s *Stream) Full() string { return s.full.String() }

// Err returns the reason the stream stopped early, or nil.
func (s *Stream) Err() error { return s.err }

// Complete reports whether the provider delivered the whole response.
func (s *Stream) Complete() bool { return s.complete }

// Usage returns the token usage reported at the end of a complete stream.
func (s *Stream) Usage() *models.Usage {
	if !s.complete {
		return nil
	}
	return s.reader.Usage()
}

// Close aborts the stream if it is still running and releases it. It
// waits for the background reader to exit.
func (s *Stream) Close() error {
	s.cancel()
	if !s.finished {
		s.err = llmerr.New(llmerr.KindCancelled, "stream", context.Canceled)
		// Drain so the pump is not stuck on a send.
		for range s.chunks {
		}
		s.finish()
	}
	return nil
}

func (s *Stream) finish() {
	s.finished = true
	err := s.g.Wait()
	s.cancel()
	s.reader.Close()
	if err != nil {
		s.err = err
		return
	}
	if s.err == nil {
		s.complete = true
	}
}

// Drain consumes the rest of the stream, passing every chunk to fn, and
// returns the full text. fn may be nil.
func (s *Stream) Drain(fn func(string)) (string, error) {
	for s.Next() {
		if fn != nil {
			fn(s.Text())
		}
	}
	return s.Full(), s.Err()
}
