// Package stdioframe implements the newline-delimited JSON-RPC line
// reading shared by the hub's two stdio transports: the outbound adapter
// that talks to a subprocess upstream, and the inbound adapter that
// serves a local stdio peer. Both frame the wire identically and both
// need the same stale-partial-line handling, so it lives here once
// instead of twice.
package stdioframe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"
)

// MaxLine bounds how large a buffered, still-incomplete line is allowed
// to grow before it is discarded as oversized, mirroring the token-size
// ceiling a bufio.Scanner would otherwise enforce.
const MaxLine = 16 * 1024 * 1024

// chunkSize is the read buffer size for each underlying Read call.
const chunkSize = 64 * 1024

// rawChunk carries one Read result (or its terminal error) from the
// reading goroutine to ReadLines' select loop.
type rawChunk struct {
	data []byte
	err  error
}

// ReadLines reads from src and calls onLine with each complete,
// newline-stripped line it decodes, until src ends (returning nil on a
// clean io.EOF, or src's error otherwise), onLine returns a non-nil
// error (which ReadLines then returns), or ctx is done (returning
// ctx.Err()).
//
// A partial line — bytes already read but with no newline yet, and no
// further bytes arriving — is discarded with a warning once it has sat
// idle for longer than idleTimeout, rather than silently being stitched
// onto whatever eventually arrives. This only clears the buffered bytes;
// it cannot unblock a Read call already in flight, so the discard takes
// effect as soon as the next chunk (or idle period) is observed.
func ReadLines(ctx context.Context, src io.Reader, idleTimeout time.Duration, log *slog.Logger, onLine func([]byte) error) error {
	chunks := make(chan rawChunk)
	go func() {
		defer close(chunks)
		buf := make([]byte, chunkSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- rawChunk{data: data}
			}
			if err != nil {
				chunks <- rawChunk{err: err}
				return
			}
		}
	}()
	// drain lets ReadLines return without waiting on src: it keeps
	// receiving (and discarding) from chunks in the background so the
	// reading goroutine's next send, once src unblocks or closes, never
	// blocks forever on a channel nobody's reading anymore.
	drain := func() {
		go func() {
			for range chunks {
			}
		}()
	}

	var partial []byte
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			drain()
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return nil
			}
			if c.err != nil {
				if c.err == io.EOF {
					return nil
				}
				return c.err
			}
			var tail []byte
			var onLineErr error
			tail, onLineErr = appendAndExtract(partial, c.data, onLine)
			partial = tail
			if onLineErr != nil {
				drain()
				return onLineErr
			}
			if len(partial) > MaxLine {
				log.Warn("stdioframe: buffered line exceeded max size, discarding", "bytes", len(partial))
				partial = nil
			}
			resetIdleTimer(timer, idleTimeout)
		case <-timer.C:
			if len(partial) > 0 {
				log.Warn("stdioframe: partial line timed out, discarding buffered input", "bytes", len(partial))
				partial = nil
			}
			timer.Reset(idleTimeout)
		}
	}
}

// appendAndExtract appends data to partial, emits every complete line it
// now contains via onLine, and returns the remaining (possibly still
// incomplete) tail as a freshly allocated slice so it never aliases a
// chunk buffer the caller may reuse. Stops at the first error onLine
// returns, leaving any bytes after that line undelivered.
func appendAndExtract(partial, data []byte, onLine func([]byte) error) ([]byte, error) {
	partial = append(partial, data...)
	for {
		idx := bytes.IndexByte(partial, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			line := make([]byte, idx)
			copy(line, partial[:idx])
			if err := onLine(line); err != nil {
				return nil, err
			}
		}
		partial = partial[idx+1:]
	}
	if len(partial) == 0 {
		return nil, nil
	}
	tail := make([]byte, len(partial))
	copy(tail, partial)
	return tail, nil
}

func resetIdleTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
