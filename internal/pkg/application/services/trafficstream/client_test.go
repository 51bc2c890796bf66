package trafficstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEndToEndDeliversLatestContentOncePerIdentity(t *testing.T) {
	is := is.New(t)
	subscriptions := make(chan []byte, 1)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscriptions <- msg

		conn.WriteMessage(websocket.TextMessage, situationFrame("X-1", "Olycka"))
		conn.WriteMessage(websocket.TextMessage, situationFrame("X-1", "Olycka, uppdaterad"))

		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.FlushInterval = 300 * time.Millisecond

	c := newTestClient(t)
	c.Start(cfg)

	select {
	case msg := <-subscriptions:
		query := struct {
			Request struct {
				Login tfv.Login   `json:"LOGIN"`
				Query []tfv.Query `json:"QUERY"`
			} `json:"REQUEST"`
		}{}
		is.NoErr(json.Unmarshal(msg, &query))
		is.Equal(query.Request.Login.AuthenticationKey, "secret")
		is.Equal(query.Request.Query, []tfv.Query{{ObjectType: "Situation", SchemaVersion: "1.5", Limit: 100}})
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription request")
	}

	s := rec.nextEvent(t)
	is.Equal(s.ID, "X-1")
	is.Equal(s.Header, "Olycka, uppdaterad")

	time.Sleep(2 * cfg.FlushInterval)
	is.Equal(rec.eventCount(), 1) // exactly one event per identity and flush
	is.Equal(rec.connects.Load(), int32(1))
	is.Equal(c.ConnectionState(), StateStreaming)
	is.True(c.Stats().Connected)
}

func TestMalformedFrameIsDroppedWithoutClosingConnection(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"INFO":{"MESSAGE":"ok"}}]}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`this is not json`))
		conn.WriteMessage(websocket.TextMessage, situationFrame("A-1", "Vägarbete"))
		waitForClose(conn)
	})

	reg := prometheus.NewRegistry()
	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.FlushInterval = 50 * time.Millisecond

	c := newTestClient(t, WithRegisterer(reg))
	c.Start(cfg)

	s := rec.nextEvent(t)
	is.Equal(s.ID, "A-1")
	is.Equal(feed.connections.Load(), int32(1))
	is.Equal(testutil.ToFloat64(c.metrics.framesDropped.WithLabelValues("malformed_frame")), 1.0)
	is.Equal(testutil.ToFloat64(c.metrics.framesReceived), 2.0)
}

func TestSituationsWithInvalidGeometryAreNeverDelivered(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"Situation":[
			{"Deviation":[{"Id":"no-geometry"}]},
			{"Deviation":[{"Id":"bad","Geometry":{"WGS84":"POINT (x y)"}}]},
			{"Deviation":[{"Id":"far","Geometry":{"WGS84":"POINT (200.0 10.0)"}}]},
			{"Deviation":[{"Id":"good","Geometry":{"WGS84":"POINT (17.3 62.4)"}}]}
		]}]}}`))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.FlushInterval = 50 * time.Millisecond

	c := newTestClient(t)
	c.Start(cfg)

	s := rec.nextEvent(t)
	is.Equal(s.ID, "good")

	time.Sleep(3 * cfg.FlushInterval)
	is.Equal(rec.eventCount(), 1)
}

func TestBufferIsFlushedImmediatelyWhenLimitIsExceeded(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, manySituationsFrame(51))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.FlushInterval = time.Hour

	c := newTestClient(t)
	c.Start(cfg)

	for range 51 {
		rec.nextEvent(t)
	}
	is.Equal(c.Stats().BufferedCount, 0)
}

func TestStopFlushesBufferedSituations(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, situationFrame("B-1", "Kö"))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.FlushInterval = time.Hour

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return c.Stats().BufferedCount == 1 })
	is.Equal(rec.eventCount(), 0)

	c.Stop()
	c.Stop()

	s := rec.nextEvent(t)
	is.Equal(s.ID, "B-1")

	eventually(t, func() bool { return c.ConnectionState() == StateStopped })
	is.Equal(rec.connects.Load(), int32(1))
	is.Equal(rec.disconnects.Load(), int32(1))
	is.Equal(len(rec.errorReasons()), 0)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	is := is.New(t)

	feed := newRefusingFeed(t, http.StatusServiceUnavailable)

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.Reconnect = ReconnectConfig{BaseDelay: time.Millisecond, Multiplier: 1.5, MaxDelay: 5 * time.Millisecond, MaxAttempts: 10}

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return len(rec.errorReasons()) > 0 })
	time.Sleep(100 * time.Millisecond)

	is.Equal(feed.connections.Load(), int32(10)) // no 11th attempt
	is.Equal(len(rec.errorReasons()), 1)
	is.True(strings.Contains(rec.errorReasons()[0], ErrMaxReconnectsExceeded.Error()))
	is.Equal(c.ConnectionState(), StateStopped)
	is.Equal(c.Stats().ReconnectAttempts, 10)
	is.Equal(rec.connects.Load(), int32(0))
}

func TestStopDuringReconnectWaitCancelsPendingAttempt(t *testing.T) {
	is := is.New(t)

	feed := newRefusingFeed(t, http.StatusBadGateway)

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.Reconnect.BaseDelay = 200 * time.Millisecond

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return c.ConnectionState() == StateReconnectWaiting })
	c.Stop()

	eventually(t, func() bool { return c.ConnectionState() == StateStopped })
	time.Sleep(400 * time.Millisecond)

	is.Equal(feed.connections.Load(), int32(1))
	is.Equal(c.ConnectionState(), StateStopped)
	is.Equal(c.Stats().ReconnectAttempts, 0)
	is.Equal(rec.connects.Load(), int32(0))
	is.Equal(rec.disconnects.Load(), int32(0))
}

func TestRejectedSubscriptionIsReportedAndRetried(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"ERROR":{"SOURCE":"Authentication","MESSAGE":"Invalid authentication"}}]}}`))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.Reconnect.BaseDelay = time.Hour

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return len(rec.errorReasons()) > 0 })
	is.True(strings.Contains(rec.errorReasons()[0], "Invalid authentication"))

	eventually(t, func() bool { return c.ConnectionState() == StateReconnectWaiting })
	is.Equal(c.Stats().ReconnectAttempts, 1)
	is.True(strings.Contains(c.Stats().LastError, ErrSubscriptionRejected.Error()))
	is.Equal(rec.connects.Load(), int32(0))
}

func TestPolicyViolationCloseIsReported(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"INFO":{"MESSAGE":"ok"}}]}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "key revoked"))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.Reconnect.BaseDelay = time.Hour

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return len(rec.errorReasons()) > 0 })
	is.True(strings.Contains(rec.errorReasons()[0], "policy violation"))
	is.True(strings.Contains(rec.errorReasons()[0], "key revoked"))

	eventually(t, func() bool { return rec.disconnects.Load() == 1 })
	is.Equal(rec.connects.Load(), int32(1))
}

func TestSilentFeedIsReconnectedByHeartbeat(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"INFO":{"MESSAGE":"ok"}}]}}`))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.DegradedAfter = 30 * time.Millisecond
	cfg.DeadAfter = 60 * time.Millisecond
	cfg.Reconnect.BaseDelay = time.Millisecond

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return feed.connections.Load() >= 2 })
	eventually(t, func() bool { return rec.connects.Load() >= 2 })
	is.True(rec.disconnects.Load() >= 1)
	is.Equal(len(rec.errorReasons()), 0) // heartbeat reconnects are not fatal
}

func TestInvalidConfigurationIsReported(t *testing.T) {
	is := is.New(t)

	rec := newRecorder()
	cfg := rec.config("http://not-a-websocket")

	c := newTestClient(t)
	c.Start(cfg)

	eventually(t, func() bool { return len(rec.errorReasons()) > 0 })
	is.True(strings.Contains(rec.errorReasons()[0], ErrInvalidConfig.Error()))
	is.Equal(c.ConnectionState(), StateStopped)
}

func TestStartWhileStartedRestartsSubscription(t *testing.T) {
	is := is.New(t)

	feed := newFakeFeed(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"RESPONSE":{"RESULT":[{"INFO":{"MESSAGE":"ok"}}]}}`))
		waitForClose(conn)
	})

	rec := newRecorder()
	cfg := rec.config(feed.url)

	c := newTestClient(t)
	c.Start(cfg)
	eventually(t, func() bool { return rec.connects.Load() == 1 })

	c.Start(cfg)
	eventually(t, func() bool { return rec.connects.Load() == 2 })

	is.Equal(rec.disconnects.Load(), int32(1))
	is.Equal(feed.connections.Load(), int32(2))
}

func TestConnectionQualityFollowsLastMessageAge(t *testing.T) {
	is := is.New(t)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Client{now: func() time.Time { return now }}

	for age, expected := range map[time.Duration]ConnectionQuality{
		3 * time.Second:  QualityExcellent,
		10 * time.Second: QualityGood,
		40 * time.Second: QualityPoor,
		90 * time.Second: QualityDisconnected,
	} {
		c.statsMu.Lock()
		c.stats = Stats{State: StateStreaming, Connected: true, LastMessageTime: now.Add(-age)}
		c.statsMu.Unlock()

		is.Equal(c.ConnectionQuality(), expected)
	}

	c.statsMu.Lock()
	c.stats = Stats{State: StateReconnectWaiting, LastMessageTime: now}
	c.statsMu.Unlock()
	is.Equal(c.ConnectionQuality(), QualityDisconnected) // quality is disconnected when not streaming
}

func TestTestConnectionRequiresConfiguration(t *testing.T) {
	is := is.New(t)

	c := newTestClient(t)
	_, err := c.TestConnection(context.Background())
	is.Equal(err, ErrNotConfigured)
}

type fakeFeed struct {
	url         string
	connections atomic.Int32
}

func newFakeFeed(t *testing.T, handler func(conn *websocket.Conn)) *fakeFeed {
	feed := &fakeFeed{}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(_ *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feed.connections.Add(1)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		handler(conn)
	}))
	t.Cleanup(server.Close)

	feed.url = "ws" + server.URL[4:]
	return feed
}

func newRefusingFeed(t *testing.T, statusCode int) *fakeFeed {
	feed := &fakeFeed{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		feed.connections.Add(1)
		w.WriteHeader(statusCode)
	}))
	t.Cleanup(server.Close)

	feed.url = "ws" + server.URL[4:]
	return feed
}

func waitForClose(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, opts...)

	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	return c
}

type recorder struct {
	events      chan tfv.Situation
	received    atomic.Int32
	connects    atomic.Int32
	disconnects atomic.Int32

	mu      sync.Mutex
	reasons []string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan tfv.Situation, 128)}
}

func (r *recorder) config(url string) Config {
	cfg := DefaultConfig()
	cfg.AuthenticationKey = "secret"
	cfg.StreamURL = url
	cfg.OnEvent = func(s tfv.Situation) {
		r.received.Add(1)
		r.events <- s
	}
	cfg.OnConnect = func() { r.connects.Add(1) }
	cfg.OnDisconnect = func() { r.disconnects.Add(1) }
	cfg.OnError = func(reason string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reasons = append(r.reasons, reason)
	}
	return cfg
}

func (r *recorder) nextEvent(t *testing.T) tfv.Situation {
	t.Helper()
	select {
	case s := <-r.events:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for situation")
	}
	return tfv.Situation{}
}

func (r *recorder) eventCount() int {
	return int(r.received.Load())
}

func (r *recorder) errorReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.reasons...)
}

func eventually(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func situationFrame(id, header string) []byte {
	return []byte(fmt.Sprintf(`{"RESPONSE":{"RESULT":[{"Situation":[{"Deviation":[{"Id":%q,"Header":%q,"IconId":"roadAccident","Geometry":{"WGS84":"POINT (17.3 62.4)"},"CountyNo":[22]}]}]}]}}`, id, header))
}

func manySituationsFrame(n int) []byte {
	situations := make([]string, 0, n)
	for i := range n {
		situations = append(situations, fmt.Sprintf(`{"Deviation":[{"Id":"S-%d","Geometry":{"WGS84":"POINT (17.3 62.4)"}}]}`, i))
	}
	return []byte(`{"RESPONSE":{"RESULT":[{"Situation":[` + strings.Join(situations, ",") + `]}]}}`)
}
