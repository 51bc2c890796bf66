package trafficstream

import "time"

type heartbeatVerdict int

const (
	heartbeatHealthy heartbeatVerdict = iota
	heartbeatDegraded
	heartbeatDead
)

func evaluateHeartbeat(silence, degradedAfter, deadAfter time.Duration) heartbeatVerdict {
	switch {
	case silence > deadAfter:
		return heartbeatDead
	case silence > degradedAfter:
		return heartbeatDegraded
	default:
		return heartbeatHealthy
	}
}

// reportedQuality is the downgrade announced for a verdict. Silence past the
// degraded threshold is reported as Poor even though QualityFor already
// classifies it as Disconnected.
func (v heartbeatVerdict) reportedQuality() ConnectionQuality {
	switch v {
	case heartbeatDead:
		return QualityDisconnected
	case heartbeatDegraded:
		return QualityPoor
	default:
		return QualityExcellent
	}
}

// checkHeartbeat runs on every heartbeat tick while streaming. A dead channel
// is torn down through the same path as a close reported by the socket.
func (c *Client) checkHeartbeat() {
	if c.state != StateStreaming {
		return
	}

	silence := c.now().Sub(c.lastMessage)

	verdict := evaluateHeartbeat(silence, c.cfg.DegradedAfter, c.cfg.DeadAfter)

	switch verdict {
	case heartbeatDead:
		c.sessionLog.Warn("no data received from feed, forcing reconnect", "silence", silence.String())
		c.handleClose(closeReason{err: ErrHeartbeatTimeout, retryable: true})
	case heartbeatDegraded:
		c.sessionLog.Warn("connection quality degraded", "quality", verdict.reportedQuality().String(), "silence", silence.String())
	}
}
