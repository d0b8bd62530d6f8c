package handler

import (
	"net/http"

	"connectrpc.com/grpchealth"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	terminal *Terminal
}

func NewHandler(terminal *Terminal) *Handler {
	return &Handler{
		terminal: terminal,
	}
}

// Mount registers the terminal endpoint and observability tools to the mux.
func (h *Handler) Mount(mux *http.ServeMux) error {
	if err := h.registerOpsHandlers(mux); err != nil {
		return err
	}

	mux.Handle("/terminal", h.terminal)

	return nil
}

// registerOpsHandlers sets up Health Check and Metrics.
func (h *Handler) registerOpsHandlers(mux *http.ServeMux) error {
	// gRPC Health Check
	checker := grpchealth.NewStaticChecker()
	mux.Handle(grpchealth.NewHandler(checker))

	// Prometheus Metrics
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}
	otel.SetMeterProvider(metric.NewMeterProvider(metric.WithReader(exporter)))
	mux.Handle("/metrics", promhttp.Handler())

	return nil
}
