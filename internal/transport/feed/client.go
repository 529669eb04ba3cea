package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"seedbridge.ai/internal/protocol"
)

type Config struct {
	// WSURL is the push endpoint, e.g. ws://127.0.0.1:25580/v1/feed.
	WSURL string
	// BaseURL serves GET /v1/state and GET /v1/blocks.
	BaseURL string
	Timeout time.Duration
}

// Client talks to the host's world-state feed. It satisfies observer.Feed and
// observer.BlockAccessor.
type Client struct {
	cfg       Config
	validator *protocol.Validator
	http      *http.Client
	dialer    websocket.Dialer
	log       *zap.Logger
}

func New(cfg Config, v *protocol.Validator, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:       cfg,
		validator: v,
		http:      &http.Client{Timeout: cfg.Timeout},
		dialer:    websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		log:       logger.Named("feed"),
	}
}

// Subscribe dials the push feed and delivers every valid STATE message to cb from a single
// goroutine. Only the first dial is reported; later drops reconnect with backoff until the
// returned func is called.
func (c *Client) Subscribe(selector string, cb func(protocol.Snapshot)) (func(), error) {
	if strings.TrimSpace(c.cfg.WSURL) == "" {
		return nil, errors.New("feed: no websocket url configured")
	}
	conn, err := c.dial(selector)
	if err != nil {
		return nil, err
	}
	s := &subscription{c: c, selector: selector, cb: cb, stop: make(chan struct{}), done: make(chan struct{})}
	s.setConn(conn)
	go s.run()
	return s.close, nil
}

func (c *Client) dial(selector string) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.Dial(c.cfg.WSURL, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", c.cfg.WSURL, err)
	}
	sub := protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Selector: selector}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("feed: send SUBSCRIBE: %w", err)
	}
	return conn, nil
}

type subscription struct {
	c        *Client
	selector string
	cb       func(protocol.Snapshot)

	mu   sync.Mutex
	conn *websocket.Conn

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.conn != nil {
			// Wakes up a blocked ReadMessage.
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *subscription) run() {
	defer close(s.done)
	backoff := 250 * time.Millisecond
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			err := s.readLoop(conn)
			_ = conn.Close()
			if s.stopped() {
				return
			}
			s.c.log.Warn("feed connection lost; reconnecting", zap.Error(err))
			backoff = 250 * time.Millisecond
		}

		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		conn, err := s.c.dial(s.selector)
		if err != nil {
			s.c.log.Debug("feed redial", zap.Error(err), zap.Duration("backoff", backoff))
			s.setConn(nil)
			if backoff < 5*time.Second {
				backoff *= 2
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
			}
			continue
		}
		s.setConn(conn)
		if s.stopped() {
			_ = conn.Close()
			return
		}
	}
}

func (s *subscription) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeState:
			snap, err := s.c.validator.DecodeState(msg)
			if err != nil {
				s.c.log.Warn("drop invalid state", zap.Error(err))
				continue
			}
			s.cb(snap)
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				s.c.log.Warn("feed error", zap.String("code", e.Code), zap.String("message", e.Message))
			}
		}
	}
}

// Get pulls the full state once.
func (c *Client) Get(selector string) (protocol.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	q := url.Values{"selector": {selector}}
	b, err := c.get(ctx, "/v1/state?"+q.Encode())
	if err != nil {
		return protocol.Snapshot{}, err
	}
	return c.validator.DecodeState(b)
}

type blockResponse struct {
	ID string `json:"id"`
}

// GetBlock returns the namespaced block id at x,y,z.
func (c *Client) GetBlock(x, y, z int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	q := url.Values{
		"x": {strconv.Itoa(x)},
		"y": {strconv.Itoa(y)},
		"z": {strconv.Itoa(z)},
	}
	b, err := c.get(ctx, "/v1/blocks?"+q.Encode())
	if err != nil {
		return "", err
	}
	var resp blockResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return "", fmt.Errorf("feed: decode block: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("feed: empty block id")
	}
	return resp.ID, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("feed: no base url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var e protocol.ErrorMsg
		if json.Unmarshal(b, &e) == nil && e.Code != "" {
			return nil, fmt.Errorf("feed: %s: %s", e.Code, e.Message)
		}
		return nil, fmt.Errorf("feed: GET %s: status %d", path, resp.StatusCode)
	}
	return b, nil
}
