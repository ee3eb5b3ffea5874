package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/transport"
)

const (
	defaultPollWait    = 25 * time.Second
	defaultHTTPTimeout = 30 * time.Second
)

// Client is the HTTP JSON directory client. It also implements
// transport.Signaler by relaying connection-setup payloads through the
// directory's signal queues.
type Client struct {
	baseURL string
	peerID  string
	http    *http.Client
	log     *logrus.Logger

	signals   chan transport.Signal
	closeOnce sync.Once
	done      chan struct{}
}

var _ Directory = (*Client)(nil)
var _ transport.Signaler = (*Client)(nil)

func NewClient(baseURL, peerID string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.New()
	}

	c := &Client{
		baseURL: baseURL,
		peerID:  peerID,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		log:     log,
		signals: make(chan transport.Signal, 64),
		done:    make(chan struct{}),
	}
	go c.pollSignals()
	return c
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &session)
	return session, err
}

func (c *Client) GetSession(ctx context.Context, slug string) (Roster, error) {
	var roster Roster
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(slug), nil, &roster)
	return roster, err
}

func (c *Client) JoinSession(ctx context.Context, slug string, req JoinSessionRequest) (Session, error) {
	var session Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(slug)+"/join", req, &session)
	return session, err
}

func (c *Client) Heartbeat(ctx context.Context, slug string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(slug)+"/heartbeat", nil, nil)
}

func (c *Client) DestroySession(ctx context.Context, slug, hostPeerID string) error {
	path := "/v1/sessions/" + url.PathEscape(slug) + "?host=" + url.QueryEscape(hostPeerID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type signalEnvelope struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

// SendSignal relays one connection-setup payload to a peer through the
// directory.
func (c *Client) SendSignal(ctx context.Context, peerID string, signal []byte) error {
	env := signalEnvelope{From: c.peerID, To: peerID, Payload: signal}
	return c.do(ctx, http.MethodPost, "/v1/signals", env, nil)
}

func (c *Client) RecvSignal() <-chan transport.Signal {
	return c.signals
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// pollSignals long-polls the directory for payloads addressed to this
// peer and forwards them on the signal channel.
func (c *Client) pollSignals() {
	defer close(c.signals)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultPollWait+5*time.Second)
		var envelopes []signalEnvelope
		path := fmt.Sprintf("/v1/signals?peer=%s&wait=%s", url.QueryEscape(c.peerID), defaultPollWait)
		err := c.do(ctx, http.MethodGet, path, nil, &envelopes)
		cancel()
		if err != nil {
			c.log.Debugf("signal poll failed: %v", err)
			select {
			case <-c.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, env := range envelopes {
			select {
			case c.signals <- transport.Signal{PeerID: env.From, Payload: env.Payload}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode directory response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(resp *http.Response) error {
	var body errorBody
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusForbidden:
		return ErrBadPassword
	case http.StatusConflict:
		return ErrSessionFull
	}
	if body.Error != "" {
		return fmt.Errorf("directory error: %s", body.Error)
	}
	return fmt.Errorf("directory error: status %d", resp.StatusCode)
}

// RunHeartbeat renews the session slug at the given interval until the
// context is cancelled. Failures are logged and retried on the next tick.
func RunHeartbeat(ctx context.Context, d Directory, slug string, interval time.Duration, log *logrus.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Heartbeat(ctx, slug); err != nil {
				log.Warnf("session heartbeat failed: %v", err)
			}
		}
	}
}
