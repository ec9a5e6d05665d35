package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

const (
	// prefetchWindow is how many non-empty SSE events are inspected
	// for an embedded error envelope before the first byte reaches the
	// client. Gemini in particular returns errors inside HTTP 200.
	prefetchWindow = 5

	// disconnectCheckInterval bounds how often the client context is
	// polled during a stream. Checking per chunk would thrash the
	// scheduler on fast upstreams.
	disconnectCheckInterval = 250 * time.Millisecond

	streamReadChunk = 8 << 10
)

var doneSentinel = []byte("[DONE]")

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data []byte
}

func (e sseEvent) isDone() bool { return bytes.Equal(e.data, doneSentinel) }

// sseScanner splits an SSE byte stream into events across arbitrary
// chunk boundaries. Incomplete trailing bytes, including split
// multi-byte runes, stay buffered until the line completes.
type sseScanner struct {
	buf  []byte
	name string
	data [][]byte
}

func (s *sseScanner) feed(chunk []byte) []sseEvent {
	s.buf = append(s.buf, chunk...)
	var events []sseEvent
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return events
		}
		line := s.buf[:i]
		s.buf = s.buf[i+1:]
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			if ev, ok := s.take(); ok {
				events = append(events, ev)
			}
			continue
		}
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			s.name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			d := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			s.data = append(s.data, append([]byte(nil), d...))
		}
		// comments and unknown fields are dropped
	}
}

// finish flushes the event under assembly at end of stream.
func (s *sseScanner) finish() (sseEvent, bool) {
	return s.take()
}

func (s *sseScanner) take() (sseEvent, bool) {
	if len(s.data) == 0 {
		s.name = ""
		return sseEvent{}, false
	}
	ev := sseEvent{name: s.name, data: bytes.Join(s.data, []byte("\n"))}
	s.name = ""
	s.data = nil
	return ev, true
}

// streamProcessor consumes one upstream SSE response and re-emits it in
// the client dialect, converting on the fly when the dialects differ.
type streamProcessor struct {
	reg     *codec.Registry
	from    apiformat.Format // endpoint dialect
	to      apiformat.Format // client dialect
	convert bool

	upstream io.ReadCloser
	scanner  sseScanner
	state    codec.StreamState

	prefetched  []sseEvent
	upstreamEOF bool

	usage      codec.Usage
	stopReason codec.StopReason
	sourceDone bool
}

func newStreamProcessor(reg *codec.Registry, from, to apiformat.Format, convert bool, upstream io.ReadCloser) *streamProcessor {
	return &streamProcessor{
		reg:      reg,
		from:     from,
		to:       to,
		convert:  convert,
		upstream: upstream,
	}
}

// prefetch buffers up to prefetchWindow events and returns an
// embeddedError when any of them carries the dialect's error envelope.
// No byte has been forwarded when prefetch fails, so the orchestrator
// is still free to try the next candidate.
func (p *streamProcessor) prefetch(ctx context.Context) error {
	buf := make([]byte, streamReadChunk)
	for len(p.prefetched) < prefetchWindow && !p.upstreamEOF {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := p.upstream.Read(buf)
		if n > 0 {
			for _, ev := range p.scanner.feed(buf[:n]) {
				if ferr := p.inspect(ev); ferr != nil {
					return ferr
				}
				p.prefetched = append(p.prefetched, ev)
			}
		}
		if err == io.EOF {
			p.upstreamEOF = true
			if ev, ok := p.scanner.finish(); ok {
				if ferr := p.inspect(ev); ferr != nil {
					return ferr
				}
				p.prefetched = append(p.prefetched, ev)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *streamProcessor) inspect(ev sseEvent) error {
	if ev.isDone() {
		return nil
	}
	if uerr := codec.SniffError(p.from, ev.data); uerr != nil {
		return &embeddedError{upstream: uerr}
	}
	return nil
}

// streamOutcome is the terminal accounting of one pumped stream.
type streamOutcome struct {
	Usage      codec.Usage
	StopReason codec.StopReason
	ClientGone bool
}

// run forwards the prefetched events and then pumps the remainder of
// the upstream. onFirstByte fires once, before the first write. The
// client context is checked every disconnectCheckInterval; on cancel
// the upstream is closed and ClientGone is set.
func (p *streamProcessor) run(ctx context.Context, w *bufio.Writer, onFirstByte func()) (*streamOutcome, error) {
	defer p.upstream.Close()

	out := &streamOutcome{}
	ticker := time.NewTicker(disconnectCheckInterval)
	defer ticker.Stop()

	firstByte := onFirstByte
	emit := func(ev sseEvent) error {
		if firstByte != nil {
			firstByte()
			firstByte = nil
		}
		return p.emit(ev, w)
	}

	for _, ev := range p.prefetched {
		if err := emit(ev); err != nil {
			out.ClientGone = true
			return p.finish(out), nil
		}
	}
	p.prefetched = nil
	if err := w.Flush(); err != nil {
		out.ClientGone = true
		return p.finish(out), nil
	}

	buf := make([]byte, streamReadChunk)
	for !p.upstreamEOF {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				out.ClientGone = true
				return p.finish(out), nil
			}
		default:
		}

		n, err := p.upstream.Read(buf)
		if n > 0 {
			for _, ev := range p.scanner.feed(buf[:n]) {
				if werr := emit(ev); werr != nil {
					out.ClientGone = true
					return p.finish(out), nil
				}
			}
			if werr := w.Flush(); werr != nil {
				out.ClientGone = true
				return p.finish(out), nil
			}
		}
		if err == io.EOF {
			p.upstreamEOF = true
			if ev, ok := p.scanner.finish(); ok {
				if werr := emit(ev); werr != nil {
					out.ClientGone = true
					return p.finish(out), nil
				}
			}
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				out.ClientGone = true
				return p.finish(out), nil
			}
			return p.finish(out), err
		}
	}

	if err := p.close(w); err != nil {
		out.ClientGone = true
	}
	return p.finish(out), nil
}

// emit writes one source event in the client dialect.
func (p *streamProcessor) emit(ev sseEvent, w *bufio.Writer) error {
	if ev.isDone() {
		p.sourceDone = true
		if !p.convert {
			_, err := w.Write(codecDoneFrame)
			return err
		}
		return nil
	}

	codec.SniffUsage(p.from, ev.data, &p.usage)
	if sr := codec.SniffStopReason(p.from, ev.data); sr != codec.StopNone {
		p.stopReason = sr
	}

	if !p.convert {
		if ev.name != "" {
			if _, err := w.WriteString("event: " + ev.name + "\n"); err != nil {
				return err
			}
		}
		if _, err := w.WriteString("data: "); err != nil {
			return err
		}
		if _, err := w.Write(ev.data); err != nil {
			return err
		}
		_, err := w.WriteString("\n\n")
		return err
	}

	frames, err := p.reg.ConvertStream(ev.data, ev.name, p.from, p.to, &p.state)
	if err != nil {
		// Mid-stream conversion failures cannot fail over; drop the
		// frame and keep the stream alive.
		return nil
	}
	for _, f := range frames {
		if _, werr := w.Write(codec.EncodeSSE(f)); werr != nil {
			return werr
		}
	}
	return nil
}

// close terminates the client stream: a converted stream gets a
// synthesized stop when the source ended without one, plus the target
// dialect's sentinel.
func (p *streamProcessor) close(w *bufio.Writer) error {
	if p.convert {
		frames, err := p.reg.FinishStream(p.from, p.to, &p.state)
		if err == nil {
			for _, f := range frames {
				if _, werr := w.Write(codec.EncodeSSE(f)); werr != nil {
					return werr
				}
			}
		}
		if p.reg.UsesDoneSentinel(p.to) {
			if _, err := w.Write(codecDoneFrame); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

func (p *streamProcessor) finish(out *streamOutcome) *streamOutcome {
	out.Usage = p.usage
	out.StopReason = p.stopReason
	return out
}

var codecDoneFrame = []byte("data: [DONE]\n\n")
