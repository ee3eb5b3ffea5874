// Package transfer implements the chunked, resumable file transfer state
// machine that runs over one peer data channel. An Uploader streams a
// FileSource to the remote side; a Downloader assembles the bytes into a
// Sink. Chunk bytes are sent as a raw binary frame immediately followed
// by a Chunk record carrying {offset, final}; the record is the commit
// signal for the preceding bytes, never the other way around.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/auth"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/transport"
)

const DefaultChunkSize = 64 * 1024

// backpressureDelay is how long the uploader waits before retrying a
// chunk the transport refused for lack of receive buffer space.
const backpressureDelay = time.Millisecond

var (
	ErrRemoteFailed = errors.New("transfer: remote side reported an error")
	ErrConnClosed   = errors.New("transfer: connection closed")
)

// UploaderConfig tunes one upload session.
type UploaderConfig struct {
	// Password gates the transfer when non-empty.
	Password string
	// ChunkSize bounds each chunk. Defaults to DefaultChunkSize.
	ChunkSize int
	Logger    *logrus.Logger

	// OnStatus observes every state transition, terminal ones included.
	OnStatus func(Status)
	// OnProgress reports bytes sent and bytes acknowledged by the remote.
	// The acknowledgement counter is advisory telemetry only.
	OnProgress func(sent, acked, total int64)
}

// Uploader runs the uploader side of the transfer state machine for one
// connection. All state is owned by the Run goroutine.
type Uploader struct {
	conn  transport.Conn
	src   FileSource
	cfg   UploaderConfig
	codec *protocol.Codec
	log   *logrus.Logger

	mu     sync.Mutex
	status Status

	challenge string
	offset    int64
	acked     int64
	sentFinal bool
}

func NewUploader(conn transport.Conn, src FileSource, cfg UploaderConfig) *Uploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	return &Uploader{
		conn:   conn,
		src:    src,
		cfg:    cfg,
		codec:  protocol.NewCodec(),
		log:    log,
		status: StatusPending,
	}
}

// Status returns the current state. Safe to call from any goroutine.
func (u *Uploader) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *Uploader) setStatus(s Status) {
	u.mu.Lock()
	u.status = s
	u.mu.Unlock()

	if u.cfg.OnStatus != nil {
		u.cfg.OnStatus(s)
	}
}

// Run drives the upload until a terminal state. Streaming is push based:
// while uploading, one chunk is sent per loop iteration and the loop then
// yields back to the select, so pause and cancellation take effect
// between chunks, never mid-chunk.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		if u.Status() == StatusUploading && !u.sentFinal {
			select {
			case <-ctx.Done():
				u.setStatus(StatusClosed)
				return ctx.Err()
			case frame, ok := <-u.conn.Recv():
				if !ok {
					u.setStatus(StatusClosed)
					return nil
				}
				if done, err := u.handleFrame(frame); done {
					return err
				}
			default:
				if err := u.sendNextChunk(); err != nil {
					if errors.Is(err, transport.ErrBackpressure) {
						// The receiver is draining slower than we produce.
						// Back off and retry the same chunk.
						select {
						case <-ctx.Done():
							u.setStatus(StatusClosed)
							return ctx.Err()
						case <-time.After(backpressureDelay):
						}
						continue
					}
					u.setStatus(StatusFailed)
					return err
				}
				// Give the receive path a chance between chunks.
				runtime.Gosched()
			}
			continue
		}

		select {
		case <-ctx.Done():
			u.setStatus(StatusClosed)
			return ctx.Err()
		case frame, ok := <-u.conn.Recv():
			if !ok {
				u.setStatus(StatusClosed)
				return nil
			}
			if done, err := u.handleFrame(frame); done {
				return err
			}
		}
	}
}

func (u *Uploader) handleFrame(frame []byte) (bool, error) {
	msg, payload, err := u.codec.DecodeFrame(frame)
	if err != nil {
		u.log.Warnf("Dropping malformed frame from %s: %v", u.conn.PeerID(), err)
		return false, nil
	}
	if payload != nil {
		u.log.Warnf("Dropping unexpected binary frame from %s", u.conn.PeerID())
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.InfoRequest:
		return false, u.handleInfoRequest()
	case *protocol.ChallengeResponse:
		return false, u.handleChallengeResponse(m)
	case *protocol.Start:
		u.handleStart(m)
	case *protocol.Pause:
		if u.Status() == StatusUploading {
			u.setStatus(StatusPaused)
		}
	case *protocol.Ack:
		u.acked = m.BytesReceived
		u.reportProgress()
	case *protocol.Done:
		u.setStatus(StatusDone)
		return true, nil
	case *protocol.TransferError:
		u.log.Warnf("Remote reported transfer error: %s", m.Reason)
		u.setStatus(StatusFailed)
		return true, fmt.Errorf("%w: %s", ErrRemoteFailed, m.Reason)
	default:
		u.log.Warnf("Dropping unexpected %s message from %s", msg.Type(), u.conn.PeerID())
	}
	return false, nil
}

func (u *Uploader) handleInfoRequest() error {
	if u.cfg.Password == "" {
		if err := u.sendMeta(); err != nil {
			return err
		}
		u.setStatus(StatusReady)
		return nil
	}

	challenge, err := auth.GenerateChallenge()
	if err != nil {
		return err
	}
	u.challenge = challenge

	if err := u.sendControl(&protocol.Challenge{Value: challenge}); err != nil {
		return err
	}
	u.setStatus(StatusAuthenticating)
	return nil
}

func (u *Uploader) handleChallengeResponse(m *protocol.ChallengeResponse) error {
	if u.challenge == "" {
		// No outstanding challenge: either never issued or already spent.
		u.log.Warnf("Dropping challenge response without outstanding challenge from %s", u.conn.PeerID())
		return nil
	}

	challenge := u.challenge
	u.challenge = ""

	if auth.VerifyResponse(u.cfg.Password, challenge, m.Value) {
		if err := u.sendMeta(); err != nil {
			return err
		}
		u.setStatus(StatusReady)
		return nil
	}

	// Wrong password: issue a fresh challenge, never reuse the spent one.
	next, err := auth.GenerateChallenge()
	if err != nil {
		return err
	}
	u.challenge = next
	return u.sendControl(&protocol.Challenge{Value: next, Retry: true})
}

func (u *Uploader) handleStart(m *protocol.Start) {
	status := u.Status()
	if status != StatusReady && status != StatusPaused && status != StatusUploading {
		u.log.Warnf("Dropping start request in state %s", status)
		return
	}
	if m.Offset > u.src.Size() {
		u.log.Warnf("Dropping start request beyond file size: %d > %d", m.Offset, u.src.Size())
		return
	}

	u.offset = m.Offset
	u.sentFinal = false
	u.setStatus(StatusUploading)
}

func (u *Uploader) sendNextChunk() error {
	size := int64(u.cfg.ChunkSize)
	if remaining := u.src.Size() - u.offset; remaining < size {
		size = remaining
	}
	if size < 0 {
		size = 0
	}

	buf := make([]byte, size)
	if size > 0 {
		if _, err := u.src.ReadAt(buf, u.offset); err != nil {
			return fmt.Errorf("transfer: reading chunk at %d: %w", u.offset, err)
		}
	}

	final := u.offset+size >= u.src.Size()

	// Payload first, then the committing Chunk record.
	if err := u.conn.Send(protocol.BinaryFrame(buf)); err != nil {
		return fmt.Errorf("transfer: sending chunk payload: %w", err)
	}
	if err := u.sendControl(&protocol.Chunk{Offset: u.offset, Final: final}); err != nil {
		return err
	}

	u.offset += size
	u.sentFinal = final
	u.reportProgress()
	return nil
}

func (u *Uploader) sendMeta() error {
	return u.sendControl(&protocol.FileMeta{
		Name:     u.src.Name(),
		Size:     u.src.Size(),
		MimeType: u.src.MimeType(),
	})
}

func (u *Uploader) sendControl(msg protocol.Message) error {
	frame, err := u.codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	if err := u.conn.Send(frame); err != nil {
		return fmt.Errorf("transfer: sending %s: %w", msg.Type(), err)
	}
	return nil
}

func (u *Uploader) reportProgress() {
	if u.cfg.OnProgress != nil {
		u.cfg.OnProgress(u.offset, u.acked, u.src.Size())
	}
}
