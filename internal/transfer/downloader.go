package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/auth"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/transport"
)

var (
	ErrFileTooLarge     = errors.New("transfer: declared file size exceeds ceiling")
	ErrPasswordRequired = errors.New("transfer: transfer is password protected")
	ErrBadPassword      = errors.New("transfer: password rejected")
	ErrStopped          = errors.New("transfer: stopped by caller")
)

// DownloaderConfig tunes one download session.
type DownloaderConfig struct {
	// Password answers the uploader's challenge when set.
	Password string
	// PasswordFunc, when set, supplies the password instead; it is called
	// again with retry=true after a rejection so an interactive caller can
	// re-prompt. Returning an error aborts the transfer.
	PasswordFunc func(retry bool) (string, error)
	// MaxFileSize rejects transfers whose declared size exceeds it before
	// any bytes are accepted. Zero means no ceiling.
	MaxFileSize int64
	// ResumeOffset advertises already-held bytes in the start request.
	ResumeOffset int64
	Logger       *logrus.Logger

	OnStatus   func(Status)
	OnMeta     func(protocol.FileMeta)
	OnProgress func(received, total int64)
}

type downloaderAction int

const (
	actionPause downloaderAction = iota
	actionResume
	actionStop
)

// Downloader runs the downloader side of the transfer state machine for
// one connection, assembling committed chunks into a Sink.
type Downloader struct {
	conn  transport.Conn
	sink  Sink
	cfg   DownloaderConfig
	codec *protocol.Codec
	log   *logrus.Logger

	mu     sync.Mutex
	status Status

	meta     *protocol.FileMeta
	received int64

	// pending holds chunk bytes whose committing Chunk record has not
	// arrived yet. Bytes are never observable as received until then.
	pending    []byte
	hasPending bool

	actions chan downloaderAction
}

func NewDownloader(conn transport.Conn, sink Sink, cfg DownloaderConfig) *Downloader {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}

	return &Downloader{
		conn:    conn,
		sink:    sink,
		cfg:     cfg,
		codec:   protocol.NewCodec(),
		log:     log,
		status:  StatusPending,
		actions: make(chan downloaderAction, 4),
	}
}

func (d *Downloader) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// BytesReceived reports committed progress.
func (d *Downloader) BytesReceived() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

func (d *Downloader) setStatus(s Status) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()

	if d.cfg.OnStatus != nil {
		d.cfg.OnStatus(s)
	}
}

// Pause asks the uploader to stop scheduling chunks. Cooperative: it
// takes effect at the uploader's next yield point.
func (d *Downloader) Pause() { d.enqueue(actionPause) }

// Resume re-requests streaming from the current committed offset.
func (d *Downloader) Resume() { d.enqueue(actionResume) }

// Stop aborts the transfer.
func (d *Downloader) Stop() { d.enqueue(actionStop) }

func (d *Downloader) enqueue(a downloaderAction) {
	select {
	case d.actions <- a:
	default:
	}
}

// Run drives the download until a terminal state.
func (d *Downloader) Run(ctx context.Context) error {
	if err := d.sendControl(&protocol.InfoRequest{}); err != nil {
		d.setStatus(StatusFailed)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			d.setStatus(StatusClosed)
			return ctx.Err()
		case action := <-d.actions:
			if done, err := d.handleAction(action); done {
				return err
			}
		case frame, ok := <-d.conn.Recv():
			if !ok {
				d.setStatus(StatusClosed)
				return nil
			}
			if done, err := d.handleFrame(frame); done {
				return err
			}
		}
	}
}

func (d *Downloader) handleAction(action downloaderAction) (bool, error) {
	switch action {
	case actionPause:
		if d.Status() != StatusDownloading {
			return false, nil
		}
		if err := d.sendControl(&protocol.Pause{}); err != nil {
			d.setStatus(StatusFailed)
			return true, err
		}
		d.setStatus(StatusPaused)
	case actionResume:
		if d.Status() != StatusPaused {
			return false, nil
		}
		if err := d.sendControl(&protocol.Start{Offset: d.received}); err != nil {
			d.setStatus(StatusFailed)
			return true, err
		}
		d.setStatus(StatusDownloading)
	case actionStop:
		d.failRemote("stopped by receiver")
		d.setStatus(StatusClosed)
		return true, ErrStopped
	}
	return false, nil
}

func (d *Downloader) handleFrame(frame []byte) (bool, error) {
	msg, payload, err := d.codec.DecodeFrame(frame)
	if err != nil {
		d.log.Warnf("Dropping malformed frame from %s: %v", d.conn.PeerID(), err)
		return false, nil
	}

	if msg == nil {
		if d.hasPending {
			d.log.Warnf("Replacing uncommitted chunk payload from %s", d.conn.PeerID())
		}
		d.pending = make([]byte, len(payload))
		copy(d.pending, payload)
		d.hasPending = true
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.Challenge:
		return d.handleChallenge(m)
	case *protocol.FileMeta:
		return d.handleMeta(m)
	case *protocol.Chunk:
		return d.handleChunk(m)
	case *protocol.TransferError:
		d.log.Warnf("Remote reported transfer error: %s", m.Reason)
		d.setStatus(StatusFailed)
		return true, fmt.Errorf("%w: %s", ErrRemoteFailed, m.Reason)
	default:
		d.log.Warnf("Dropping unexpected %s message from %s", msg.Type(), d.conn.PeerID())
		return false, nil
	}
}

func (d *Downloader) handleChallenge(m *protocol.Challenge) (bool, error) {
	password, err := d.password(m.Retry)
	if err != nil {
		d.failRemote(err.Error())
		d.setStatus(StatusFailed)
		return true, err
	}

	response := auth.ComputeResponse(password, m.Value)
	if err := d.sendControl(&protocol.ChallengeResponse{Value: response}); err != nil {
		d.setStatus(StatusFailed)
		return true, err
	}
	d.setStatus(StatusAuthenticating)
	return false, nil
}

func (d *Downloader) password(retry bool) (string, error) {
	if d.cfg.PasswordFunc != nil {
		return d.cfg.PasswordFunc(retry)
	}
	if d.cfg.Password == "" {
		return "", ErrPasswordRequired
	}
	if retry {
		// A static password that was already rejected will not start
		// matching on its own.
		return "", ErrBadPassword
	}
	return d.cfg.Password, nil
}

func (d *Downloader) handleMeta(m *protocol.FileMeta) (bool, error) {
	if d.cfg.MaxFileSize > 0 && m.Size > d.cfg.MaxFileSize {
		d.failRemote(fmt.Sprintf("file size %d exceeds ceiling %d", m.Size, d.cfg.MaxFileSize))
		d.setStatus(StatusFailed)
		return true, ErrFileTooLarge
	}

	meta := *m
	d.meta = &meta
	if d.cfg.OnMeta != nil {
		d.cfg.OnMeta(meta)
	}

	d.mu.Lock()
	d.received = d.cfg.ResumeOffset
	d.mu.Unlock()

	d.setStatus(StatusReady)

	if err := d.sendControl(&protocol.Start{Offset: d.cfg.ResumeOffset}); err != nil {
		d.setStatus(StatusFailed)
		return true, err
	}
	d.setStatus(StatusDownloading)
	return false, nil
}

func (d *Downloader) handleChunk(m *protocol.Chunk) (bool, error) {
	if !d.hasPending {
		// Commit record with no preceding payload: never commit.
		d.log.Warnf("Dropping chunk record at %d without payload from %s", m.Offset, d.conn.PeerID())
		return false, nil
	}

	payload := d.pending
	d.pending = nil
	d.hasPending = false

	if len(payload) > 0 {
		if _, err := d.sink.WriteAt(payload, m.Offset); err != nil {
			d.failRemote("write failed")
			d.setStatus(StatusFailed)
			return true, fmt.Errorf("transfer: writing chunk at %d: %w", m.Offset, err)
		}
	}

	d.mu.Lock()
	d.received = m.Offset + int64(len(payload))
	received := d.received
	d.mu.Unlock()

	if err := d.sendControl(&protocol.Ack{BytesReceived: received}); err != nil {
		d.log.Warnf("Failed to send ack: %v", err)
	}
	if d.cfg.OnProgress != nil {
		total := received
		if d.meta != nil {
			total = d.meta.Size
		}
		d.cfg.OnProgress(received, total)
	}

	if !m.Final {
		return false, nil
	}

	if err := d.sink.Finalize(); err != nil {
		d.failRemote("finalize failed")
		d.setStatus(StatusFailed)
		return true, fmt.Errorf("transfer: finalizing sink: %w", err)
	}
	if err := d.sendControl(&protocol.Done{}); err != nil {
		d.log.Warnf("Failed to send done: %v", err)
	}
	d.setStatus(StatusDone)
	return true, nil
}

func (d *Downloader) failRemote(reason string) {
	if err := d.sendControl(&protocol.TransferError{Reason: reason}); err != nil {
		d.log.Debugf("Failed to send transfer error: %v", err)
	}
}

func (d *Downloader) sendControl(msg protocol.Message) error {
	frame, err := d.codec.EncodeFrame(msg)
	if err != nil {
		return err
	}
	if err := d.conn.Send(frame); err != nil {
		return fmt.Errorf("transfer: sending %s: %w", msg.Type(), err)
	}
	return nil
}
