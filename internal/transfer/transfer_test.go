package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/peerwave/peerwave/internal/auth"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/transport"
	"github.com/peerwave/peerwave/internal/transport/memory"
)

const testTimeout = 5 * time.Second

func connPair(t *testing.T) (transport.Conn, transport.Conn) {
	t.Helper()

	hub := memory.NewHub()
	a := hub.NewTransport("uploader")
	b := hub.NewTransport("downloader")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	conn, err := b.Connect(ctx, "uploader")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case accepted := <-a.Accept():
		return accepted, conn
	case <-ctx.Done():
		t.Fatal("timeout waiting for accepted connection")
		return nil, nil
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return buf
}

func sendMsg(t *testing.T, conn transport.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.NewCodec().EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if err := conn.Send(frame); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
}

// recvFrame reads the next frame, returning either a message or a binary
// payload.
func recvFrame(t *testing.T, conn transport.Conn) (protocol.Message, []byte) {
	t.Helper()
	select {
	case frame, ok := <-conn.Recv():
		if !ok {
			t.Fatal("connection closed while waiting for frame")
		}
		msg, payload, err := protocol.NewCodec().DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		return msg, payload
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for frame")
		return nil, nil
	}
}

func recvMsg(t *testing.T, conn transport.Conn) protocol.Message {
	t.Helper()
	msg, payload := recvFrame(t, conn)
	if msg == nil {
		t.Fatalf("expected control message, got %d byte binary payload", len(payload))
	}
	return msg
}

func TestTransferNoPassword(t *testing.T) {
	upConn, downConn := connPair(t)

	content := randomBytes(t, 10*1024)
	src := &BytesSource{FileName: "sample.bin", Data: content}
	sink := &BytesSink{}

	uploader := NewUploader(upConn, src, UploaderConfig{ChunkSize: 4 * 1024})
	downloader := NewDownloader(downConn, sink, DownloaderConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()

	if err := downloader.Run(ctx); err != nil {
		t.Fatalf("downloader failed: %v", err)
	}
	if err := <-upDone; err != nil {
		t.Fatalf("uploader failed: %v", err)
	}

	if uploader.Status() != StatusDone {
		t.Errorf("expected uploader done, got %s", uploader.Status())
	}
	if downloader.Status() != StatusDone {
		t.Errorf("expected downloader done, got %s", downloader.Status())
	}

	got := sink.Bytes()
	if len(got) != 10*1024 {
		t.Fatalf("expected 10240 bytes, got %d", len(got))
	}
	if !bytes.Equal(got, content) {
		t.Error("downloaded bytes differ from source")
	}
}

func TestTransferZeroByteFile(t *testing.T) {
	upConn, downConn := connPair(t)

	src := &BytesSource{FileName: "empty.bin"}
	sink := &BytesSink{}

	uploader := NewUploader(upConn, src, UploaderConfig{})
	downloader := NewDownloader(downConn, sink, DownloaderConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()

	if err := downloader.Run(ctx); err != nil {
		t.Fatalf("downloader failed: %v", err)
	}
	if err := <-upDone; err != nil {
		t.Fatalf("uploader failed: %v", err)
	}

	if len(sink.Bytes()) != 0 {
		t.Errorf("expected empty file, got %d bytes", len(sink.Bytes()))
	}
}

// throttledConn refuses a number of chunk payload sends to model a
// receiver draining slower than the uploader produces. Only payload
// frames are refused; control frames pass through. Send is only called
// from the uploader's Run goroutine.
type throttledConn struct {
	transport.Conn
	refusals int
}

func (c *throttledConn) Send(data []byte) error {
	if len(data) > 1024 && c.refusals > 0 {
		c.refusals--
		return fmt.Errorf("slow peer: %w", transport.ErrBackpressure)
	}
	return c.Conn.Send(data)
}

func TestTransferRidesOutBackpressure(t *testing.T) {
	upConn, downConn := connPair(t)

	content := randomBytes(t, 16*1024)
	src := &BytesSource{FileName: "sample.bin", Data: content}
	sink := &BytesSink{}

	uploader := NewUploader(&throttledConn{Conn: upConn, refusals: 5}, src, UploaderConfig{ChunkSize: 4 * 1024})
	downloader := NewDownloader(downConn, sink, DownloaderConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()

	if err := downloader.Run(ctx); err != nil {
		t.Fatalf("downloader failed: %v", err)
	}
	if err := <-upDone; err != nil {
		t.Fatalf("uploader failed instead of retrying: %v", err)
	}

	if uploader.Status() != StatusDone {
		t.Errorf("expected uploader done, got %s", uploader.Status())
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Error("downloaded bytes differ from source")
	}
}

// TestUploaderChallengeExchange walks the password gate message by
// message: wrong response gets a fresh challenge with the retry flag,
// the correct answer to the fresh challenge yields file metadata.
func TestUploaderChallengeExchange(t *testing.T) {
	upConn, downConn := connPair(t)

	src := &BytesSource{FileName: "secret.bin", Data: randomBytes(t, 512)}
	uploader := NewUploader(upConn, src, UploaderConfig{Password: "hunter2"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = uploader.Run(ctx) }()

	sendMsg(t, downConn, &protocol.InfoRequest{})

	first, ok := recvMsg(t, downConn).(*protocol.Challenge)
	if !ok {
		t.Fatal("expected initial challenge")
	}
	if first.Retry {
		t.Error("initial challenge must not carry the retry flag")
	}

	sendMsg(t, downConn, &protocol.ChallengeResponse{
		Value: auth.ComputeResponse("wrong-password", first.Value),
	})

	second, ok := recvMsg(t, downConn).(*protocol.Challenge)
	if !ok {
		t.Fatal("expected fresh challenge after rejection")
	}
	if !second.Retry {
		t.Error("expected retry flag on the fresh challenge")
	}
	if second.Value == first.Value {
		t.Error("challenge must never be reused after a response")
	}

	// A response built from the spent challenge is rejected even with the
	// right password.
	sendMsg(t, downConn, &protocol.ChallengeResponse{
		Value: auth.ComputeResponse("hunter2", first.Value),
	})

	third, ok := recvMsg(t, downConn).(*protocol.Challenge)
	if !ok {
		t.Fatal("expected another fresh challenge after stale response")
	}
	if third.Value == second.Value || third.Value == first.Value {
		t.Error("expected a never-before-seen challenge")
	}

	sendMsg(t, downConn, &protocol.ChallengeResponse{
		Value: auth.ComputeResponse("hunter2", third.Value),
	})

	meta, ok := recvMsg(t, downConn).(*protocol.FileMeta)
	if !ok {
		t.Fatal("expected file metadata after correct response")
	}
	if meta.Name != "secret.bin" || meta.Size != 512 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if uploader.Status() != StatusReady {
		t.Errorf("expected uploader ready, got %s", uploader.Status())
	}
}

func TestTransferWithPasswordRetry(t *testing.T) {
	upConn, downConn := connPair(t)

	content := randomBytes(t, 3000)
	src := &BytesSource{FileName: "secret.bin", Data: content}
	sink := &BytesSink{}

	attempts := 0
	uploader := NewUploader(upConn, src, UploaderConfig{Password: "hunter2", ChunkSize: 1024})
	downloader := NewDownloader(downConn, sink, DownloaderConfig{
		PasswordFunc: func(retry bool) (string, error) {
			attempts++
			if !retry {
				return "first-guess", nil
			}
			return "hunter2", nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()

	if err := downloader.Run(ctx); err != nil {
		t.Fatalf("downloader failed: %v", err)
	}
	if err := <-upDone; err != nil {
		t.Fatalf("uploader failed: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected 2 password attempts, got %d", attempts)
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Error("downloaded bytes differ from source")
	}
}

func TestDownloaderRejectsStaticBadPassword(t *testing.T) {
	upConn, downConn := connPair(t)

	src := &BytesSource{FileName: "secret.bin", Data: randomBytes(t, 256)}
	uploader := NewUploader(upConn, src, UploaderConfig{Password: "hunter2"})
	downloader := NewDownloader(downConn, &BytesSink{}, DownloaderConfig{Password: "wrong"})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()

	err := downloader.Run(ctx)
	if !errors.Is(err, ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
	if err := <-upDone; !errors.Is(err, ErrRemoteFailed) {
		t.Fatalf("expected uploader remote failure, got %v", err)
	}
}

// TestChunkCommitOrdering verifies that bytes are never observable as
// received before their committing Chunk record arrives, and that a
// Chunk record without a preceding payload never commits.
func TestChunkCommitOrdering(t *testing.T) {
	upConn, downConn := connPair(t)

	sink := &BytesSink{}
	downloader := NewDownloader(downConn, sink, DownloaderConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- downloader.Run(ctx) }()

	if _, ok := recvMsg(t, upConn).(*protocol.InfoRequest); !ok {
		t.Fatal("expected info request")
	}
	sendMsg(t, upConn, &protocol.FileMeta{Name: "f.bin", Size: 8})

	start, ok := recvMsg(t, upConn).(*protocol.Start)
	if !ok {
		t.Fatal("expected start request")
	}
	if start.Offset != 0 {
		t.Fatalf("expected start offset 0, got %d", start.Offset)
	}

	// A commit record with no payload in hand must not commit anything.
	sendMsg(t, upConn, &protocol.Chunk{Offset: 0})
	time.Sleep(50 * time.Millisecond)
	if got := downloader.BytesReceived(); got != 0 {
		t.Fatalf("commit without payload: expected 0 bytes received, got %d", got)
	}

	// Payload alone must not be observable as received either.
	payload := []byte{1, 2, 3, 4}
	if err := upConn.Send(protocol.BinaryFrame(payload)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := downloader.BytesReceived(); got != 0 {
		t.Fatalf("payload without commit: expected 0 bytes received, got %d", got)
	}

	// The commit record flips the bytes to received.
	sendMsg(t, upConn, &protocol.Chunk{Offset: 0})
	ack, ok := recvMsg(t, upConn).(*protocol.Ack)
	if !ok {
		t.Fatal("expected ack after commit")
	}
	if ack.BytesReceived != 4 {
		t.Errorf("expected 4 bytes acked, got %d", ack.BytesReceived)
	}

	// Finish the file.
	if err := upConn.Send(protocol.BinaryFrame([]byte{5, 6, 7, 8})); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sendMsg(t, upConn, &protocol.Chunk{Offset: 4, Final: true})

	if _, ok := recvMsg(t, upConn).(*protocol.Ack); !ok {
		t.Fatal("expected final ack")
	}
	if _, ok := recvMsg(t, upConn).(*protocol.Done); !ok {
		t.Fatal("expected done")
	}
	if err := <-runDone; err != nil {
		t.Fatalf("downloader failed: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("unexpected assembled bytes: %v", sink.Bytes())
	}
}

// gatedConn blocks each Send until the test grants a permit (or the
// gate is closed), making the uploader's scheduling deterministic.
type gatedConn struct {
	transport.Conn
	gate chan struct{}
}

func (g *gatedConn) Send(data []byte) error {
	<-g.gate
	return g.Conn.Send(data)
}

// TestUploaderPauseResume drives the uploader with a scripted downloader:
// pause stops chunk scheduling, a new start request resumes from the
// advertised offset without re-transmitting earlier bytes.
func TestUploaderPauseResume(t *testing.T) {
	upConn, downConn := connPair(t)

	content := randomBytes(t, 4*1024)
	src := &BytesSource{FileName: "large.bin", Data: content}

	gate := make(chan struct{})
	uploader := NewUploader(&gatedConn{Conn: upConn, gate: gate}, src, UploaderConfig{ChunkSize: 1024})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- uploader.Run(ctx) }()

	grant := func(n int) {
		for i := 0; i < n; i++ {
			select {
			case gate <- struct{}{}:
			case <-time.After(testTimeout):
				t.Fatal("timeout granting send permit")
			}
		}
	}

	sendMsg(t, downConn, &protocol.InfoRequest{})
	grant(1)
	if _, ok := recvMsg(t, downConn).(*protocol.FileMeta); !ok {
		t.Fatal("expected file metadata")
	}

	sendMsg(t, downConn, &protocol.Start{Offset: 0})

	// Let two chunks through (payload frame + record frame each), then
	// pause; the uploader observes the pause between chunks.
	assembled := &BytesSink{}
	grant(2)
	committed := collectChunks(t, downConn, assembled, 1)
	grant(2)
	sendMsg(t, downConn, &protocol.Pause{})
	committed = collectChunks(t, downConn, assembled, 1)

	if committed != 2*1024 {
		t.Fatalf("expected 2048 bytes committed before pause, got %d", committed)
	}

	waitForStatus(t, uploader.Status, StatusPaused)

	// Resume from the committed offset and finish, now ungated.
	close(gate)
	sendMsg(t, downConn, &protocol.Start{Offset: committed})
	finishChunks(t, downConn, assembled, committed, int64(len(content)))

	sendMsg(t, downConn, &protocol.Done{})
	if err := <-runDone; err != nil {
		t.Fatalf("uploader failed: %v", err)
	}
	if uploader.Status() != StatusDone {
		t.Errorf("expected uploader done, got %s", uploader.Status())
	}
	if !bytes.Equal(assembled.Bytes(), content) {
		t.Error("assembled bytes differ from source after pause and resume")
	}
}

func waitForStatus(t *testing.T, status func() Status, want Status) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for status %s, still %s", want, status())
}

// TestDownloaderPauseResume exercises the downloader's pause and resume
// actions against a scripted uploader.
func TestDownloaderPauseResume(t *testing.T) {
	upConn, downConn := connPair(t)

	sink := &BytesSink{}
	downloader := NewDownloader(downConn, sink, DownloaderConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- downloader.Run(ctx) }()

	if _, ok := recvMsg(t, upConn).(*protocol.InfoRequest); !ok {
		t.Fatal("expected info request")
	}
	sendMsg(t, upConn, &protocol.FileMeta{Name: "p.bin", Size: 2048})
	if start, ok := recvMsg(t, upConn).(*protocol.Start); !ok || start.Offset != 0 {
		t.Fatalf("expected start at 0, got %+v", start)
	}

	first := randomBytes(t, 1024)
	if err := upConn.Send(protocol.BinaryFrame(first)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sendMsg(t, upConn, &protocol.Chunk{Offset: 0})
	if _, ok := recvMsg(t, upConn).(*protocol.Ack); !ok {
		t.Fatal("expected ack")
	}

	downloader.Pause()
	if _, ok := recvMsg(t, upConn).(*protocol.Pause); !ok {
		t.Fatal("expected pause request")
	}
	waitForStatus(t, downloader.Status, StatusPaused)

	downloader.Resume()
	start, ok := recvMsg(t, upConn).(*protocol.Start)
	if !ok {
		t.Fatal("expected start request on resume")
	}
	if start.Offset != 1024 {
		t.Errorf("expected resume offset 1024, got %d", start.Offset)
	}

	second := randomBytes(t, 1024)
	if err := upConn.Send(protocol.BinaryFrame(second)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sendMsg(t, upConn, &protocol.Chunk{Offset: 1024, Final: true})

	if _, ok := recvMsg(t, upConn).(*protocol.Ack); !ok {
		t.Fatal("expected final ack")
	}
	if _, ok := recvMsg(t, upConn).(*protocol.Done); !ok {
		t.Fatal("expected done")
	}
	if err := <-runDone; err != nil {
		t.Fatalf("downloader failed: %v", err)
	}

	want := append(append([]byte{}, first...), second...)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Error("assembled bytes differ after pause and resume")
	}
}

// collectChunks commits n chunks into the sink and returns the new
// committed offset.
func collectChunks(t *testing.T, conn transport.Conn, sink *BytesSink, n int) int64 {
	t.Helper()

	var committed int64
	var pending []byte
	for seen := 0; seen < n; {
		msg, payload := recvFrame(t, conn)
		if msg == nil {
			pending = payload
			continue
		}
		chunk, ok := msg.(*protocol.Chunk)
		if !ok {
			t.Fatalf("expected chunk record, got %T", msg)
		}
		if pending == nil {
			t.Fatal("chunk record arrived before its payload")
		}
		if _, err := sink.WriteAt(pending, chunk.Offset); err != nil {
			t.Fatalf("WriteAt failed: %v", err)
		}
		committed = chunk.Offset + int64(len(pending))
		pending = nil
		seen++
	}
	return committed
}

// finishChunks commits chunks until the final record, asserting that
// resumed streaming starts at the advertised offset and that only the
// last chunk carries the final flag.
func finishChunks(t *testing.T, conn transport.Conn, sink *BytesSink, resumeOffset, total int64) {
	t.Helper()

	var pending []byte
	first := true
	for {
		msg, payload := recvFrame(t, conn)
		if msg == nil {
			pending = payload
			continue
		}
		chunk, ok := msg.(*protocol.Chunk)
		if !ok {
			t.Fatalf("expected chunk record, got %T", msg)
		}
		if pending == nil {
			t.Fatal("chunk record arrived before its payload")
		}
		if first {
			if chunk.Offset != resumeOffset {
				t.Fatalf("expected resumed stream to start at %d, got %d", resumeOffset, chunk.Offset)
			}
			first = false
		}
		if _, err := sink.WriteAt(pending, chunk.Offset); err != nil {
			t.Fatalf("WriteAt failed: %v", err)
		}
		end := chunk.Offset + int64(len(pending))
		pending = nil

		if chunk.Final {
			if end != total {
				t.Fatalf("final chunk ends at %d, expected %d", end, total)
			}
			return
		}
		if end >= total {
			t.Fatalf("non-final chunk reaches end of file at %d", end)
		}
	}
}

func TestDownloaderSizeCeiling(t *testing.T) {
	upConn, downConn := connPair(t)

	downloader := NewDownloader(downConn, &BytesSink{}, DownloaderConfig{MaxFileSize: 1024})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- downloader.Run(ctx) }()

	if _, ok := recvMsg(t, upConn).(*protocol.InfoRequest); !ok {
		t.Fatal("expected info request")
	}
	sendMsg(t, upConn, &protocol.FileMeta{Name: "huge.bin", Size: 10 * 1024 * 1024})

	if _, ok := recvMsg(t, upConn).(*protocol.TransferError); !ok {
		t.Fatal("expected transfer error for oversized file")
	}
	if err := <-runDone; !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if downloader.Status() != StatusFailed {
		t.Errorf("expected downloader failed, got %s", downloader.Status())
	}
}

func TestResumeProducesIdenticalFile(t *testing.T) {
	content := randomBytes(t, 12*1024)

	// First session: interrupt after some bytes committed.
	upConn, downConn := connPair(t)
	sink := &BytesSink{}

	uploader := NewUploader(upConn, &BytesSource{FileName: "r.bin", Data: content}, UploaderConfig{ChunkSize: 1024})
	progressed := make(chan struct{}, 1)
	downloader := NewDownloader(downConn, sink, DownloaderConfig{
		OnProgress: func(received, total int64) {
			if received >= 3*1024 {
				select {
				case progressed <- struct{}{}:
				default:
				}
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	upDone := make(chan error, 1)
	downDone := make(chan error, 1)
	go func() { upDone <- uploader.Run(ctx) }()
	go func() { downDone <- downloader.Run(ctx) }()

	select {
	case <-progressed:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for progress")
	}
	_ = downConn.Close()
	<-upDone
	<-downDone

	offset := downloader.BytesReceived()
	if offset < 3*1024 {
		t.Fatalf("expected at least 3072 bytes before interrupt, got %d", offset)
	}

	// Second session: resume from the committed offset into the same sink.
	upConn2, downConn2 := connPair(t)
	uploader2 := NewUploader(upConn2, &BytesSource{FileName: "r.bin", Data: content}, UploaderConfig{ChunkSize: 1024})
	downloader2 := NewDownloader(downConn2, sink, DownloaderConfig{ResumeOffset: offset})

	upDone2 := make(chan error, 1)
	go func() { upDone2 <- uploader2.Run(ctx) }()

	if err := downloader2.Run(ctx); err != nil {
		t.Fatalf("resumed downloader failed: %v", err)
	}
	if err := <-upDone2; err != nil {
		t.Fatalf("resumed uploader failed: %v", err)
	}

	if !bytes.Equal(sink.Bytes(), content) {
		t.Error("resumed transfer did not produce a byte-identical file")
	}
}
