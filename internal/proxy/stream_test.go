package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

// chunkReader serves its chunks one Read at a time, then EOF.
type chunkReader struct {
	chunks [][]byte
	i      int
	err    error // returned after the chunks instead of EOF when set
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.i >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.i])
	r.i++
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func sseBody(frames ...string) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = []byte(f)
	}
	return out
}

func testRegistry() *codec.Registry {
	return codec.NewDefaultRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// --- sseScanner -------------------------------------------------------------

func TestScannerSingleEvent(t *testing.T) {
	var s sseScanner
	events := s.feed([]byte("data: {\"x\":1}\n\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].data) != `{"x":1}` {
		t.Errorf("unexpected data: %q", events[0].data)
	}
}

func TestScannerChunkBoundaries(t *testing.T) {
	var s sseScanner
	var events []sseEvent
	for _, chunk := range []string{"da", "ta: hel", "lo wor", "ld\n", "\n"} {
		events = append(events, s.feed([]byte(chunk))...)
	}

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].data) != "hello world" {
		t.Errorf("unexpected data: %q", events[0].data)
	}
}

func TestScannerNamedEvent(t *testing.T) {
	var s sseScanner
	events := s.feed([]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].name != "message_start" {
		t.Errorf("expected name message_start, got %q", events[0].name)
	}
}

func TestScannerMultiLineData(t *testing.T) {
	var s sseScanner
	events := s.feed([]byte("data: first\ndata: second\n\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].data) != "first\nsecond" {
		t.Errorf("expected joined data, got %q", events[0].data)
	}
}

func TestScannerCRLFAndComments(t *testing.T) {
	var s sseScanner
	events := s.feed([]byte(": keep-alive\r\ndata: ok\r\n\r\n"))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].data) != "ok" {
		t.Errorf("unexpected data: %q", events[0].data)
	}
}

func TestScannerFinishFlushesPartialEvent(t *testing.T) {
	var s sseScanner
	if events := s.feed([]byte("data: tail\n")); len(events) != 0 {
		t.Fatalf("no blank line yet, expected 0 events, got %d", len(events))
	}
	ev, ok := s.finish()
	if !ok {
		t.Fatal("expected a pending event at end of stream")
	}
	if string(ev.data) != "tail" {
		t.Errorf("unexpected data: %q", ev.data)
	}
}

// --- prefetch ---------------------------------------------------------------

func TestPrefetchDetectsEmbeddedError(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.Claude, apiformat.Claude, false, upstream)

	err := sp.prefetch(context.Background())
	var emb *embeddedError
	if !errors.As(err, &emb) {
		t.Fatalf("expected embeddedError, got %v", err)
	}
	if emb.upstream.Type != codec.ErrOverloaded {
		t.Errorf("expected ErrOverloaded, got %v", emb.upstream.Type)
	}
}

func TestPrefetchPassesCleanStream(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10,\"output_tokens\":1}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.Claude, apiformat.Claude, false, upstream)

	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("unexpected prefetch error: %v", err)
	}
	if len(sp.prefetched) != 2 {
		t.Errorf("expected 2 prefetched events, got %d", len(sp.prefetched))
	}
}

func TestPrefetchStopsAtWindow(t *testing.T) {
	frame := "data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n"
	chunks := make([]string, prefetchWindow+3)
	for i := range chunks {
		chunks[i] = frame
	}
	upstream := &chunkReader{chunks: sseBody(chunks...)}
	sp := newStreamProcessor(testRegistry(), apiformat.Claude, apiformat.Claude, false, upstream)

	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("unexpected prefetch error: %v", err)
	}
	if len(sp.prefetched) != prefetchWindow {
		t.Errorf("expected exactly %d prefetched events, got %d", prefetchWindow, len(sp.prefetched))
	}
	if sp.upstreamEOF {
		t.Error("upstream should not be drained past the inspection window")
	}
}

// --- run --------------------------------------------------------------------

func TestRunPassthroughForwardsAndAccounts(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":10,\"output_tokens\":1}}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":25}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.Claude, apiformat.Claude, false, upstream)
	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	firstByteCalls := 0
	out, err := sp.run(context.Background(), w, func() { firstByteCalls++ })
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if out.ClientGone {
		t.Error("client should not be marked gone")
	}
	if firstByteCalls != 1 {
		t.Errorf("onFirstByte should fire exactly once, fired %d times", firstByteCalls)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 25 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
	if out.StopReason != codec.StopEndTurn {
		t.Errorf("expected end_turn, got %q", out.StopReason)
	}
	body := buf.String()
	for _, want := range []string{"event: message_start", "event: content_block_delta", "event: message_stop"} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
	if !upstream.closed {
		t.Error("upstream body should be closed after the pump")
	}
}

func TestRunPassthroughForwardsDoneSentinel(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n",
		"data: [DONE]\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.OpenAI, apiformat.OpenAI, false, upstream)
	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	out, err := sp.run(context.Background(), w, func() {})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ClientGone {
		t.Error("client should not be marked gone")
	}
	if !strings.HasSuffix(buf.String(), "data: [DONE]\n\n") {
		t.Errorf("output should end with the sentinel:\n%s", buf.String())
	}
}

func TestRunConvertedStreamEndsWithTargetSentinel(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"m\",\"usage\":{\"input_tokens\":3,\"output_tokens\":1}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.Claude, apiformat.OpenAI, true, upstream)
	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	out, err := sp.run(context.Background(), w, func() {})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ClientGone {
		t.Error("client should not be marked gone")
	}
	if out.StopReason != codec.StopEndTurn {
		t.Errorf("expected end_turn, got %q", out.StopReason)
	}
	if !strings.HasSuffix(buf.String(), "data: [DONE]\n\n") {
		t.Errorf("converted stream should end with the target sentinel:\n%s", buf.String())
	}
}

func TestRunDetectsClientGoneOnWriteError(t *testing.T) {
	upstream := &chunkReader{chunks: sseBody(
		"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"a long enough delta to overflow the buffer\"}}]}\n\n",
	)}
	sp := newStreamProcessor(testRegistry(), apiformat.OpenAI, apiformat.OpenAI, false, upstream)
	if err := sp.prefetch(context.Background()); err != nil {
		t.Fatalf("prefetch: %v", err)
	}

	w := bufio.NewWriterSize(failWriter{}, 16)
	out, err := sp.run(context.Background(), w, func() {})
	if err != nil {
		t.Fatalf("run should swallow client write errors, got %v", err)
	}
	if !out.ClientGone {
		t.Error("write failure should mark the client gone")
	}
	if !upstream.closed {
		t.Error("upstream body should be closed when the client is gone")
	}
}

func TestRunTreatsCanceledReadAsDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	upstream := &chunkReader{err: errors.New("use of closed network connection")}
	sp := newStreamProcessor(testRegistry(), apiformat.OpenAI, apiformat.OpenAI, false, upstream)

	var buf bytes.Buffer
	out, err := sp.run(ctx, bufio.NewWriter(&buf), func() {})
	if err != nil {
		t.Fatalf("canceled context should not surface the read error, got %v", err)
	}
	if !out.ClientGone {
		t.Error("read failure under a canceled context should mark the client gone")
	}
}
