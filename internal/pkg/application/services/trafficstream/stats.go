package trafficstream

import "time"

// Stats is a point in time copy of the client's counters and state.
type Stats struct {
	State             ConnectionState   `json:"state"`
	ReconnectAttempts int               `json:"reconnectAttempts"`
	LastMessageTime   time.Time         `json:"lastMessageTime"`
	Quality           ConnectionQuality `json:"quality"`
	Connected         bool              `json:"connected"`
	BufferedCount     int               `json:"bufferedCount"`
	LastError         string            `json:"lastError,omitempty"`
}

// Stats returns a snapshot of the client. Quality is classified at the time of the call.
func (c *Client) Stats() Stats {
	c.statsMu.RLock()
	s := c.stats
	c.statsMu.RUnlock()

	s.Quality = qualityOf(s, c.now())
	return s
}

func (c *Client) ConnectionQuality() ConnectionQuality {
	return c.Stats().Quality
}

func (c *Client) ConnectionState() ConnectionState {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.stats.State
}

func qualityOf(s Stats, now time.Time) ConnectionQuality {
	if !s.Connected || s.LastMessageTime.IsZero() {
		return QualityDisconnected
	}
	return QualityFor(now.Sub(s.LastMessageTime))
}

// publishStats copies the loop owned state into the snapshot read by Stats.
func (c *Client) publishStats() {
	s := Stats{
		State:           c.state,
		LastMessageTime: c.lastMessage,
		Connected:       c.state == StateStreaming,
		LastError:       c.lastError,
	}

	if c.policy != nil {
		s.ReconnectAttempts = c.policy.Attempts()
	}
	if c.buffer != nil {
		s.BufferedCount = c.buffer.len()
	}
	s.Quality = qualityOf(s, c.now())

	c.statsMu.Lock()
	c.stats = s
	c.statsMu.Unlock()

	c.metrics.observe(s)
}
