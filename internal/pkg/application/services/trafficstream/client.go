package trafficstream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// Client maintains one streaming subscription against the feed.
//
// All state transitions, timer callbacks and frame handling run on a single
// goroutine (the run loop) started by New. Start and Stop only enqueue
// commands and return immediately, and the consumer callbacks are invoked
// from the run loop, one at a time.
type Client struct {
	log        *slog.Logger
	dialer     *websocket.Dialer
	httpClient *http.Client
	metrics    *metrics
	now        func() time.Time

	cmdMu    sync.Mutex
	commands []command
	wake     chan struct{}

	stopRequested atomic.Bool

	dialed chan dialResult
	events chan connEvent
	done   chan struct{}

	statsMu sync.RWMutex
	stats   Stats
	probe   *Config

	// owned by the run loop
	cfg         Config
	started     bool
	state       ConnectionState
	gen         uint64
	conn        *websocket.Conn
	connDone    chan struct{}
	cancelDial  context.CancelFunc
	sessionLog  *slog.Logger
	buffer      *dedupBuffer
	policy      *reconnectPolicy
	lastMessage time.Time
	lastError   string

	flushTicker    *time.Ticker
	heartbeat      *time.Ticker
	reconnectTimer *time.Timer
}

type Option func(*Client)

// WithRegisterer enables prometheus metrics for the client.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = newMetrics(reg)
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithHTTPClient replaces the client used by TestConnection.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithProbeConfig lets TestConnection run before the first Start. Start
// replaces it with the configuration it was given.
func WithProbeConfig(cfg Config) Option {
	return func(c *Client) {
		cfg = cfg.withDefaults()
		c.probe = &cfg
	}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind commandKind
	cfg  Config
}

// New creates a client and starts its run loop. The loop, and any
// subscription it holds, ends when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Client {
	c := &Client{
		log: logging.GetFromContext(ctx),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
		},
		httpClient: &httpClient,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		dialed:     make(chan dialResult),
		events:     make(chan connEvent),
		done:       make(chan struct{}),
		state:      StateIdle,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.sessionLog = c.log
	c.publishStats()

	go c.run(ctx)

	return c
}

// Start (re)initializes the client with cfg. A running subscription is torn
// down first. Invalid configuration is reported through cfg.OnError.
func (c *Client) Start(cfg Config) {
	c.enqueue(command{kind: cmdStart, cfg: cfg})
}

// Stop closes the subscription intentionally. Buffered situations are
// flushed to the consumer before the connection is closed. Stop is idempotent.
func (c *Client) Stop() {
	c.stopRequested.Store(true)
	c.enqueue(command{kind: cmdStop})
}

// Done is closed when the run loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) enqueue(cmd command) {
	c.cmdMu.Lock()
	c.commands = append(c.commands, cmd)
	c.cmdMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.stop()
			c.publishStats()
			return
		case <-c.wake:
			c.processCommands(ctx)
		case res := <-c.dialed:
			c.handleDialResult(res)
		case ev := <-c.events:
			c.handleConnEvent(ev)
		case <-tickerC(c.flushTicker):
			c.flush()
		case <-tickerC(c.heartbeat):
			c.checkHeartbeat()
		case <-timerC(c.reconnectTimer):
			c.reconnectTimer = nil
			if !c.stopRequested.Load() {
				c.connect(ctx)
			}
		}

		c.publishStats()
	}
}

func (c *Client) processCommands(ctx context.Context) {
	c.cmdMu.Lock()
	cmds := c.commands
	c.commands = nil
	c.cmdMu.Unlock()

	for _, cmd := range cmds {
		switch cmd.kind {
		case cmdStart:
			c.start(ctx, cmd.cfg)
		case cmdStop:
			c.stop()
			c.stopRequested.Store(false)
		}
	}
}

func (c *Client) start(ctx context.Context, cfg Config) {
	if c.started {
		c.log.Info("restarting subscription")
		c.stop()
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		c.log.Error("refusing to start subscription", "err", err.Error())
		c.lastError = err.Error()
		c.state = StateStopped
		cfg.failed(err.Error())
		return
	}

	c.cfg = cfg
	c.setProbeConfig(cfg)
	c.policy = newReconnectPolicy(cfg.Reconnect)
	c.buffer = newDedupBuffer(cfg.MaxPending)
	c.flushTicker = time.NewTicker(cfg.FlushInterval)
	c.lastError = ""
	c.started = true

	c.log.Info("starting subscription", "url", cfg.StreamURL, "objecttypes", cfg.ObjectTypes, "schemaversion", cfg.SchemaVersion)

	c.connect(ctx)
}

// stop performs the intentional close: timers are cancelled, buffered data
// is flushed, the connection is closed and reconnect counters are reset.
func (c *Client) stop() {
	if !c.started {
		return
	}

	wasStreaming := c.state == StateStreaming
	c.state = StateClosing

	c.stopTimers()
	c.flush()
	c.closeConnection(websocket.CloseNormalClosure, "client stopped")

	if wasStreaming {
		c.cfg.disconnected()
	}

	c.policy.reset()
	c.started = false
	c.state = StateStopped

	c.log.Info("subscription stopped")
}

func (c *Client) stopTimers() {
	if c.flushTicker != nil {
		c.flushTicker.Stop()
		c.flushTicker = nil
	}
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// flush hands every buffered situation to the consumer.
func (c *Client) flush() {
	if c.buffer == nil {
		return
	}

	batch := c.buffer.drain()
	for _, s := range batch {
		c.cfg.OnEvent(s)
	}

	if len(batch) > 0 {
		c.metrics.delivered(len(batch))
		c.sessionLog.Debug("flushed situations to consumer", "count", len(batch))
	}
}

func (c *Client) setProbeConfig(cfg Config) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.probe = &cfg
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
