package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/application/services/roadaccidents"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/application/services/trafficstream"
	"github.com/diwise/ingress-trafikverket-stream/internal/pkg/presentation/api"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/prometheus/client_golang/prometheus"
)

const serviceName string = "ingress-trafikverket-stream"

func main() {
	serviceVersion := version()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, "json")
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := newSubscriptionConfig(
		env.GetVariableOrDefault(ctx, "TFV_SUBSCRIPTION_FILE", ""),
		env.GetVariableOrDie(ctx, "TFV_API_AUTH_KEY", "API Authentication Key"),
		env.GetVariableOrDie(ctx, "TFV_STREAM_URL", "streaming API URL"),
		env.GetVariableOrDefault(ctx, "TFV_API_URL", "https://api.trafikinfo.trafikverket.se/v2/data.json"),
	)
	if err != nil {
		logger.Error("failed to load subscription configuration", "err", err.Error())
		os.Exit(1)
	}

	contextBrokerURL := env.GetVariableOrDie(ctx, "CONTEXT_BROKER_URL", "Context Broker URL")
	countyCode := env.GetVariableOrDefault(ctx, "TFV_COUNTY_CODE", "22")
	servicePort := env.GetVariableOrDefault(ctx, "SERVICE_PORT", "8080")

	ctxBroker := client.NewContextBrokerClient(contextBrokerURL)

	stream := trafficstream.New(ctx,
		trafficstream.WithRegisterer(prometheus.DefaultRegisterer),
		trafficstream.WithProbeConfig(cfg),
	)

	svc := roadaccidents.NewService(stream, cfg, countyCode, ctxBroker)
	done, err := svc.Start(ctx)
	if err != nil {
		logger.Error("failed to start road accident service", "err", err.Error())
		os.Exit(1)
	}

	mux := http.NewServeMux()
	api.RegisterHandlers(ctx, mux, stream, prometheus.DefaultGatherer)

	server := &http.Server{
		Addr:              ":" + servicePort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting to listen for connections", "port", servicePort)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to start request router", "err", err.Error())
			stop()
		}
	}()

	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "err", err.Error())
	}

	logger.Info("shutting down")
}

// newSubscriptionConfig reads the optional subscription file and applies the
// settings that are always taken from the environment.
func newSubscriptionConfig(path, authKey, streamURL, queryURL string) (trafficstream.Config, error) {
	cfg := trafficstream.DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to open subscription file: %w", err)
		}
		defer f.Close()

		cfg, err = trafficstream.LoadConfig(f)
		if err != nil {
			return cfg, err
		}
	}

	cfg.AuthenticationKey = authKey

	if streamURL != "" {
		cfg.StreamURL = streamURL
	}
	if queryURL != "" {
		cfg.QueryURL = queryURL
	}

	return cfg, nil
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}
