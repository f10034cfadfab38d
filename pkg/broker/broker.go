package broker

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/observability"
)

// Wire message types.
const (
	msgHandshake       = "handshake"
	msgAuthorized      = "authorized"
	msgJobData         = "job_data"
	msgJobDataReceived = "job_data_received"
	msgAbort           = "abort"
	msgDone            = "done"
	msgGoodbye         = "goodbye"
)

// jobTypePackaging is the only job type this service schedules.
const jobTypePackaging = "packaging"

// defaultReconnectDelay is the fixed backoff between connection attempts.
const defaultReconnectDelay = 5 * time.Second

// ErrUntrustedBroker means the broker's trust key did not hash to the
// configured value. This is fatal: the client never reconnects after it.
var ErrUntrustedBroker = errors.New("broker: trust key hash mismatch")

// ErrClosed is returned by waits after the client has shut down.
var ErrClosed = errors.New("broker: client closed")

// Config holds broker connection settings.
type Config struct {
	Addr string

	// TrustKeyHash is the hex SHA-256 the broker's handshake key must
	// hash to.
	TrustKeyHash string

	// SharedSecret is sent back in the client's handshake reply.
	SharedSecret string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	// Dialer overrides the TCP dialer; tests use net.Pipe.
	Dialer func(ctx context.Context) (net.Conn, error)
}

// JobInfo identifies the ingestion a channel is scheduled for.
type JobInfo struct {
	PackageID string `json:"packageId"`
	Version   string `json:"version"`
}

// message is the newline-delimited JSON envelope on the wire.
type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jobData struct {
	JobType string  `json:"jobType"`
	Info    JobInfo `json:"info"`
}

// Client is the per-job broker channel. It reconnects with a fixed backoff
// until authorized, and drops its authorized flag on any disconnect.
type Client struct {
	cfg     Config
	job     JobInfo
	logger  *observability.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	conn       net.Conn
	authorized bool
	authCh     chan struct{}
	goodbyeCh  chan struct{}
	fatalErr   error
	fatalCh    chan struct{}
	closed     bool
	closedCh   chan struct{}
	onAbort    func()
}

// NewClient prepares a broker channel for one job. Metrics may be nil.
func NewClient(cfg Config, job JobInfo, logger *observability.Logger, metrics *observability.Metrics) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		addr := cfg.Addr
		timeout := cfg.DialTimeout
		cfg.Dialer = func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		cfg:       cfg,
		job:       job,
		logger:    logger.WithField("package_id", job.PackageID).WithField("version", job.Version),
		metrics:   metrics,
		authCh:    make(chan struct{}),
		goodbyeCh: make(chan struct{}),
		fatalCh:   make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
}

// OnAbort registers the cleanup callback invoked when the broker aborts the
// job. Must be called before Start.
func (c *Client) OnAbort(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAbort = fn
}

// Start runs the connect loop until the context ends, a goodbye arrives, or
// a fatal trust failure occurs.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	for {
		if err := c.session(ctx); err != nil {
			if errors.Is(err, ErrUntrustedBroker) {
				c.logger.Error("broker trust key mismatch, giving up")
				c.setFatal(err)
				return
			}
			c.logger.WithError(err).Warn("broker channel dropped")
		}

		c.dropAuthorization()

		select {
		case <-ctx.Done():
			c.setFatal(ErrClosed)
			return
		case <-c.closedCh:
			return
		case <-c.goodbyeCh:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		if c.metrics != nil {
			c.metrics.BrokerReconnectsTotal.Inc()
		}
	}
}

// session runs one connection: handshake, job submission, then the event
// loop until disconnect.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.cfg.Dialer(ctx)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return fmt.Errorf("malformed broker message: %w", err)
		}
		if c.metrics != nil {
			c.metrics.BrokerMessagesTotal.WithLabelValues(msg.Type, "in").Inc()
		}

		switch msg.Type {
		case msgHandshake:
			var trustKey string
			if err := json.Unmarshal(msg.Payload, &trustKey); err != nil {
				return fmt.Errorf("malformed handshake payload: %w", err)
			}
			sum := sha256.Sum256([]byte(trustKey))
			if !strings.EqualFold(hex.EncodeToString(sum[:]), c.cfg.TrustKeyHash) {
				return ErrUntrustedBroker
			}
			if err := c.send(conn, msgHandshake, c.cfg.SharedSecret); err != nil {
				return err
			}

		case msgAuthorized:
			if err := c.send(conn, msgJobData, jobData{JobType: jobTypePackaging, Info: c.job}); err != nil {
				return err
			}

		case msgJobDataReceived:
			c.grantAuthorization()

		case msgAbort:
			c.logger.Warn("broker aborted job")
			if c.metrics != nil {
				c.metrics.BrokerAbortsTotal.Inc()
			}
			c.mu.Lock()
			fn := c.onAbort
			c.mu.Unlock()
			if fn != nil {
				// Run outside the read loop so the callback can call
				// back into the client.
				go fn()
			}

		case msgGoodbye:
			close(c.goodbyeCh)
			return nil

		default:
			c.logger.WithField("type", msg.Type).Warn("unexpected broker message")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("broker read failed: %w", err)
	}
	return errors.New("broker closed connection")
}

func (c *Client) send(conn net.Conn, typ string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", typ, err)
	}
	line, err := json.Marshal(message{Type: typ, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", typ, err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to send %s: %w", typ, err)
	}
	if c.metrics != nil {
		c.metrics.BrokerMessagesTotal.WithLabelValues(typ, "out").Inc()
	}
	return nil
}

func (c *Client) grantAuthorization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authorized {
		c.authorized = true
		close(c.authCh)
	}
}

func (c *Client) dropAuthorization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	if c.authorized {
		c.authorized = false
		c.authCh = make(chan struct{})
	}
}

func (c *Client) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr == nil {
		c.fatalErr = err
		close(c.fatalCh)
	}
}

// Authorized reports the current authorization state.
func (c *Client) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authorized
}

// WaitForAuthorization blocks until the broker has acknowledged the job
// data. It is idempotent: once authorized it returns immediately, and again
// on later calls while the flag holds.
func (c *Client) WaitForAuthorization(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.fatalErr != nil {
			err := c.fatalErr
			c.mu.Unlock()
			return err
		}
		if c.authorized {
			c.mu.Unlock()
			return nil
		}
		authCh := c.authCh
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.fatalCh:
		case <-c.closedCh:
			return ErrClosed
		case <-authCh:
		}
	}
}

// Done reports successful completion: sends done, waits for the broker's
// goodbye, then disconnects.
func (c *Client) Done(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("broker: not connected")
	}

	if err := c.send(conn, msgDone, c.job); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closedCh:
		return ErrClosed
	case <-c.goodbyeCh:
	}
	c.Close()
	return nil
}

// Close tears the channel down and stops the reconnect loop.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closedCh)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
