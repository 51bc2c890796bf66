package trafficstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type dialResult struct {
	gen  uint64
	conn *websocket.Conn
	resp *http.Response
	err  error
}

type connEvent struct {
	gen  uint64
	data []byte
	err  error
}

// closeReason describes why a connection ended without Stop being called.
type closeReason struct {
	err       error
	retryable bool
}

func (r closeReason) String() string {
	if r.err == nil {
		return ErrConnectionClosed.Error()
	}
	return r.err.Error()
}

// connect dials the feed on a separate goroutine. The outcome is delivered
// to the run loop tagged with the connection generation, so that results
// belonging to an abandoned attempt can be recognized and discarded.
func (c *Client) connect(ctx context.Context) {
	c.gen++
	gen := c.gen

	c.state = StateConnecting
	c.sessionLog = c.log.With("session", uuid.NewString())
	c.sessionLog.Debug("connecting to feed", "url", c.cfg.StreamURL, "attempt", c.policy.Attempts())

	dialCtx, cancel := context.WithCancel(ctx)
	c.cancelDial = cancel

	go func(url string) {
		conn, resp, err := c.dialer.DialContext(dialCtx, url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}

		select {
		case c.dialed <- dialResult{gen: gen, conn: conn, resp: resp, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}(c.cfg.StreamURL)
}

func (c *Client) handleDialResult(res dialResult) {
	if res.gen != c.gen || c.state != StateConnecting || c.stopRequested.Load() {
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}

	if res.err != nil {
		c.handleClose(classifyDialError(res.err, res.resp))
		return
	}

	c.conn = res.conn
	c.connDone = make(chan struct{})
	c.state = StateAuthenticating

	go c.readFrames(res.gen, res.conn, c.connDone)

	if err := c.subscribe(); err != nil {
		c.handleClose(closeReason{err: err, retryable: true})
	}
}

// subscribe sends the subscription request and arms the handshake deadline.
func (c *Client) subscribe() error {
	body, err := tfv.EncodeSubscription(c.cfg.request())
	if err != nil {
		return fmt.Errorf("failed to encode subscription request: %w", err)
	}

	if err = c.conn.SetReadDeadline(c.now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", err)
	}

	if err = c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return fmt.Errorf("failed to send subscription request: %w", err)
	}

	c.sessionLog.Debug("subscription request sent", "objecttypes", c.cfg.ObjectTypes)

	return nil
}

// readFrames forwards everything read from conn to the run loop until the
// connection fails or the loop abandons it by closing done.
func (c *Client) readFrames(gen uint64, conn *websocket.Conn, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()

		select {
		case c.events <- connEvent{gen: gen, data: data, err: err}:
		case <-done:
			return
		}

		if err != nil {
			return
		}
	}
}

func (c *Client) handleConnEvent(ev connEvent) {
	if ev.gen != c.gen || c.conn == nil {
		return
	}

	if ev.err != nil {
		reason := classifyCloseError(ev.err)
		if c.state == StateAuthenticating && isTimeout(ev.err) {
			reason = closeReason{err: ErrHandshakeTimeout, retryable: true}
		}
		c.handleClose(reason)
		return
	}

	c.handleFrame(ev.data)
}

func (c *Client) handleFrame(data []byte) {
	frame, err := tfv.DecodeFrame(data)
	if err != nil {
		c.sessionLog.Warn("discarding malformed frame", "err", err.Error())
		c.metrics.dropped("malformed_frame", 1)
		return
	}

	c.metrics.frameReceived()
	c.lastMessage = c.now()

	if frame.Kind == tfv.FrameError {
		c.handleClose(closeReason{
			err:       fmt.Errorf("%w: %s", ErrSubscriptionRejected, frame.Err.Error()),
			retryable: false,
		})
		return
	}

	if c.state == StateAuthenticating {
		c.enterStreaming(frame.Info)
	}

	if frame.Dropped > 0 {
		c.sessionLog.Debug("dropped invalid situations", "count", frame.Dropped)
		c.metrics.dropped("malformed_situation", frame.Dropped)
	}

	for _, s := range frame.Situations {
		if c.buffer.put(s) {
			c.flush()
		}
	}
}

func (c *Client) enterStreaming(info string) {
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		c.sessionLog.Warn("failed to clear handshake deadline", "err", err.Error())
	}

	c.state = StateStreaming
	c.policy.reset()
	c.lastError = ""
	c.heartbeat = time.NewTicker(c.cfg.HeartbeatInterval)

	c.sessionLog.Info("subscription established", "info", info)

	c.cfg.connected()
}

// handleClose is the single teardown path for every connection that ends
// without Stop being called, whether reported by the socket, by the feed or
// forced by the heartbeat monitor.
func (c *Client) handleClose(reason closeReason) {
	wasStreaming := c.state == StateStreaming

	c.state = StateClosing
	c.closeConnection(websocket.CloseGoingAway, "reconnecting")

	if wasStreaming {
		c.cfg.disconnected()
	}

	if c.stopRequested.Load() || !c.started {
		return
	}

	c.lastError = reason.String()

	delay, ok := c.policy.failed()
	if !ok {
		msg := fmt.Sprintf("%s after %d attempts, last error: %s", ErrMaxReconnectsExceeded.Error(), c.policy.Attempts(), reason.String())
		c.sessionLog.Error("giving up on feed connection", "err", msg)

		c.stopTimers()
		c.flush()
		c.started = false
		c.state = StateStopped
		c.lastError = msg

		c.cfg.failed(msg)
		return
	}

	if reason.retryable {
		c.sessionLog.Warn("connection to feed lost", "err", reason.String(), "attempt", c.policy.Attempts(), "retry_in", delay.String())
	} else {
		c.sessionLog.Error("feed refused connection", "err", reason.String(), "attempt", c.policy.Attempts(), "retry_in", delay.String())
		c.cfg.failed(reason.String())
	}

	c.metrics.reconnectScheduled()
	c.state = StateReconnectWaiting
	c.reconnectTimer = time.NewTimer(delay)
}

// closeConnection releases the socket, the reader goroutine and any dial in
// progress, and bumps the generation so late events are ignored.
func (c *Client) closeConnection(code int, text string) {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}

	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}

	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}

	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
		_ = c.conn.Close()
		c.conn = nil
	}

	c.gen++
}

func classifyDialError(err error, resp *http.Response) closeReason {
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return closeReason{
				err:       fmt.Errorf("%w: handshake refused with status %d", ErrSubscriptionRejected, resp.StatusCode),
				retryable: false,
			}
		}
		return closeReason{
			err:       fmt.Errorf("failed to connect to feed: handshake returned status %d", resp.StatusCode),
			retryable: true,
		}
	}

	return closeReason{err: fmt.Errorf("failed to connect to feed: %w", err), retryable: true}
}

func classifyCloseError(err error) closeReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		description := fmt.Sprintf("feed closed the connection (%d %s)", ce.Code, closeCodeText(ce.Code))
		if ce.Text != "" {
			description += ": " + ce.Text
		}

		if ce.Code == websocket.ClosePolicyViolation || (ce.Code >= 4000 && ce.Code < 5000) {
			return closeReason{err: fmt.Errorf("%w: %s", ErrSubscriptionRejected, description), retryable: false}
		}

		return closeReason{err: fmt.Errorf("%w: %s", ErrConnectionClosed, description), retryable: true}
	}

	return closeReason{err: fmt.Errorf("%w: %s", ErrConnectionClosed, err.Error()), retryable: true}
}

func closeCodeText(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal closure"
	case websocket.CloseGoingAway:
		return "going away"
	case websocket.CloseProtocolError:
		return "protocol error"
	case websocket.CloseUnsupportedData:
		return "unsupported data"
	case websocket.CloseAbnormalClosure:
		return "abnormal closure"
	case websocket.ClosePolicyViolation:
		return "policy violation"
	case websocket.CloseMessageTooBig:
		return "message too big"
	case websocket.CloseInternalServerErr:
		return "internal server error"
	case websocket.CloseServiceRestart:
		return "service restart"
	case websocket.CloseTryAgainLater:
		return "try again later"
	}

	if code >= 4000 && code < 5000 {
		return "application error"
	}

	return "unknown"
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
