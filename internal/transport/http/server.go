// Package http provides the administrative HTTP API for EpochMQ.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /queues
//	GET    /consumers
//	GET    /namespaces
//	POST   /namespaces
//	DELETE /namespaces/{ns}
//	DELETE /namespaces/{ns}/queues/{name}
//	GET    /namespaces/{ns}/queues/{name}/metrics
//	POST   /namespaces/{ns}/queues/{name}/messages
//	GET    /namespaces/{ns}/queues/{name}/{structure}
//	DELETE /namespaces/{ns}/queues/{name}/{structure}
//	DELETE /namespaces/{ns}/queues/{name}/{structure}/{id}
//	POST   /namespaces/{ns}/queues/{name}/acknowledged-messages/{id}/requeue
//	POST   /namespaces/{ns}/queues/{name}/dead-lettered-messages/{id}/requeue
//	POST   /namespaces/{ns}/queues/{name}/dead-lettered-messages/replay
//	POST   /namespaces/{ns}/queues/{name}/subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /scheduled-messages
//	DELETE /scheduled-messages
//	GET    /scheduled-messages/{id}
//	DELETE /scheduled-messages/{id}
//	GET    /metrics
//	GET    /events
//
// {structure} is one of pending-messages, pending-messages-with-priority,
// acknowledged-messages and dead-lettered-messages.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/epochmq/internal/broker"
	"github.com/snehjoshi/epochmq/internal/config"
)

// structures maps URL segments to broker structures.
var structures = map[string]broker.Structure{
	"pending-messages":               broker.Pending,
	"pending-messages-with-priority": broker.Priority,
	"acknowledged-messages":          broker.Acknowledged,
	"dead-lettered-messages":         broker.DeadLettered,
}

// Server wraps the stdlib HTTP server with EpochMQ route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server from a Broker. events, when non-nil, is mounted at
// GET /events. The caller is responsible for calling ListenAndServe /
// Shutdown.
func New(b *broker.Broker, events http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := b.Config()
	h := &Handler{broker: b, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Namespaces
	mux.HandleFunc("GET /namespaces", h.listNamespaces)
	mux.HandleFunc("POST /namespaces", h.createNamespace)
	mux.HandleFunc("DELETE /namespaces/{ns}", h.deleteNamespace)

	// Queues
	mux.HandleFunc("GET /queues", h.listQueues)
	mux.HandleFunc("DELETE /namespaces/{ns}/queues/{name}", h.deleteQueue)
	mux.HandleFunc("GET /namespaces/{ns}/queues/{name}/metrics", h.queueMetrics)

	// Produce, rate limited per client unless max_rate is 0.
	var produce http.Handler = http.HandlerFunc(h.produce)
	if cfg.Producers.MaxRate > 0 {
		produce = RateLimitMiddleware(float64(cfg.Producers.MaxRate), cfg.Producers.Burst)(produce)
	}
	mux.Handle("POST /namespaces/{ns}/queues/{name}/messages", produce)

	// Per-queue message structures
	mux.HandleFunc("GET /namespaces/{ns}/queues/{name}/{structure}", h.listMessages)
	mux.HandleFunc("DELETE /namespaces/{ns}/queues/{name}/{structure}", h.purgeMessages)
	mux.HandleFunc("DELETE /namespaces/{ns}/queues/{name}/{structure}/{id}", h.deleteMessage)
	mux.HandleFunc("POST /namespaces/{ns}/queues/{name}/{structure}/{id}/requeue", h.requeueMessage)
	mux.HandleFunc("POST /namespaces/{ns}/queues/{name}/dead-lettered-messages/replay", h.replayDeadLettered)

	// Scheduled messages
	mux.HandleFunc("GET /scheduled-messages", h.listScheduled)
	mux.HandleFunc("DELETE /scheduled-messages", h.purgeScheduled)
	mux.HandleFunc("GET /scheduled-messages/{id}", h.getScheduled)
	mux.HandleFunc("DELETE /scheduled-messages/{id}", h.deleteScheduled)

	// Consumers and webhook subscriptions
	mux.HandleFunc("GET /consumers", h.listConsumers)
	mux.HandleFunc("POST /namespaces/{ns}/queues/{name}/subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Metrics (Prometheus text format)
	if reg := b.Metrics(); reg != nil && cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", reg.Handler())
	}

	if events != nil && cfg.Admin.EventsEnabled {
		mux.Handle("GET /events", events)
	}

	// Build middleware chain: CORS → body limit → logging → auth
	handler := chain(mux,
		CORSMiddleware,
		MaxBodyMiddleware(int64(cfg.Admin.MaxBodyKB)*1024),
		LoggingMiddleware(logger, b.Metrics()),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Addr formats the listen address of cfg.
func Addr(cfg *config.Config) string {
	return net.JoinHostPort(cfg.Node.Host, strconv.Itoa(cfg.Node.Port))
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
