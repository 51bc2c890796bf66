package roadaccidents

import (
	"context"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/application/services"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/application/services/trafficstream"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/infrastructure/tfv"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tfv-roadaccident-consumer")

type RoadAccidentService interface {
	services.Starter
}

// Stream is the part of the feed client used by the road accident consumer.
type Stream interface {
	Start(cfg trafficstream.Config)
	Done() <-chan struct{}
}

func NewService(stream Stream, cfg trafficstream.Config, countyCode string, ctxBroker client.ContextBrokerClient) RoadAccidentService {
	return &roadAccidentSvc{
		stream:     stream,
		cfg:        cfg,
		countyCode: countyCode,
		ctxBroker:  ctxBroker,
		published:  map[string]struct{}{},
	}
}

type roadAccidentSvc struct {
	stream     Stream
	cfg        trafficstream.Config
	countyCode string
	ctxBroker  client.ContextBrokerClient

	// ids of accidents sent to the broker, owned by the publishing goroutine
	published map[string]struct{}
}

// Start subscribes to the feed and publishes every road accident it delivers
// to the context broker. The returned channel is closed when the feed client
// has shut down, which happens when ctx is cancelled.
func (svc *roadAccidentSvc) Start(ctx context.Context) (chan struct{}, error) {
	log := logging.GetFromContext(ctx)

	done := make(chan struct{})
	situations := make(chan tfv.Situation, 64)

	cfg := svc.cfg
	// blocks the feed client once the queue is full, so a slow broker slows
	// delivery down instead of losing accidents
	cfg.OnEvent = func(s tfv.Situation) {
		select {
		case situations <- s:
		case <-ctx.Done():
		}
	}
	cfg.OnConnect = func() {
		log.Info("connected to traffic feed")
	}
	cfg.OnDisconnect = func() {
		log.Info("disconnected from traffic feed")
	}
	cfg.OnError = func(reason string) {
		log.Error("traffic feed reported an error", "err", reason)
	}

	go func() {
		defer close(done)

		for {
			select {
			case s := <-situations:
				svc.handle(ctx, s)
			case <-svc.stream.Done():
				return
			}
		}
	}()

	svc.stream.Start(cfg)

	return done, nil
}

func (svc *roadAccidentSvc) handle(ctx context.Context, s tfv.Situation) {
	if !svc.isRoadAccident(s) {
		return
	}

	log := logging.GetFromContext(ctx).With("situation", s.ID)

	err := svc.publishRoadAccidentToContextBroker(ctx, s)
	if err != nil {
		log.Error("failed to publish road accident", "err", err.Error())
		return
	}

	if s.Deleted {
		delete(svc.published, s.ID)
		log.Debug("road accident marked as solved")
	} else {
		svc.published[s.ID] = struct{}{}
	}
}

// isRoadAccident reports whether s is an accident within the configured
// county. Updates to accidents published earlier are always let through.
func (svc *roadAccidentSvc) isRoadAccident(s tfv.Situation) bool {
	if _, ok := svc.published[s.ID]; ok {
		return true
	}

	if svc.countyCode != "" && !s.InCounty(svc.countyCode) {
		return false
	}

	return s.IconID == "roadAccident" || s.MessageType == "Olycka"
}
