package trafficstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tfv-stream-diagnostics")

var httpClient = http.Client{
	Transport: otelhttp.NewTransport(http.DefaultTransport),
	Timeout:   10 * time.Second,
}

type ProbeOutcome string

const (
	ProbeOK           ProbeOutcome = "ok"
	ProbeUnauthorized ProbeOutcome = "unauthorized"
	ProbeUnreachable  ProbeOutcome = "unreachable"
)

// ProbeResult is the classified outcome of a diagnostics probe.
type ProbeResult struct {
	Outcome ProbeOutcome `json:"outcome"`
	Summary string       `json:"summary"`
}

// TestConnection probes the feed's query endpoint using the configuration of
// the most recent Start, or the one given with WithProbeConfig. It never
// touches the streaming connection and returns ErrNotConfigured only when
// neither is available.
func (c *Client) TestConnection(ctx context.Context) (ProbeResult, error) {
	c.statsMu.RLock()
	cfg := c.probe
	c.statsMu.RUnlock()

	if cfg == nil {
		return ProbeResult{}, ErrNotConfigured
	}

	return Probe(ctx, c.httpClient, *cfg), nil
}

// Probe performs a single request against cfg.QueryURL with a result limit
// of one and classifies the outcome as ok, unauthorized or unreachable.
func Probe(ctx context.Context, hc *http.Client, cfg Config) ProbeResult {
	var err error

	ctx, span := tracer.Start(ctx, "probe-feed")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)

	requestBody, err := tfv.EncodeQuery(cfg.request().WithLimit(1))
	if err != nil {
		return unreachable(fmt.Sprintf("failed to encode request: %s", err.Error()))
	}

	apiReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.QueryURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return unreachable(fmt.Sprintf("failed to create http request: %s", err.Error()))
	}
	apiReq.Header.Set("Content-Type", "text/xml")

	apiResponse, err := hc.Do(apiReq)
	if err != nil {
		log.Warn("feed probe failed", "err", err.Error())
		return unreachable(fmt.Sprintf("request failed: %s", err.Error()))
	}
	defer apiResponse.Body.Close()

	body, err := io.ReadAll(apiResponse.Body)
	if err != nil {
		return unreachable(fmt.Sprintf("failed to read response: %s", err.Error()))
	}

	frame, decodeErr := tfv.DecodeFrame(body)
	if decodeErr == nil && frame.Kind == tfv.FrameError {
		err = fmt.Errorf("%w: %s", ErrSubscriptionRejected, frame.Err.Error())
		return ProbeResult{
			Outcome: ProbeUnauthorized,
			Summary: fmt.Sprintf("feed rejected the request (status %d): %s", apiResponse.StatusCode, frame.Err.Error()),
		}
	}

	if apiResponse.StatusCode != http.StatusOK {
		err = fmt.Errorf("expected status code %d, but got %d", http.StatusOK, apiResponse.StatusCode)
		return unreachable(err.Error())
	}

	if decodeErr != nil {
		err = decodeErr
		return unreachable(fmt.Sprintf("unexpected response: %s", decodeErr.Error()))
	}

	count := len(frame.Situations) + frame.Dropped
	log.Debug("feed probe succeeded", "count", count)

	return ProbeResult{
		Outcome: ProbeOK,
		Summary: fmt.Sprintf("reachable, %d situation(s) returned", count),
	}
}

func unreachable(summary string) ProbeResult {
	return ProbeResult{Outcome: ProbeUnreachable, Summary: summary}
}
