package collabrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docsync/collab-relay/internal"
	"github.com/docsync/collab-relay/pubsub"
	"github.com/docsync/collab-relay/relay"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(origin string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// withSentryHub gives every request its own hub so reports carry request scope.
func withSentryHub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(req)
		next.ServeHTTP(w, req.WithContext(sentry.SetHubOnContext(req.Context(), hub)))
	})
}

// Server is the relay process: HTTP routing, the relay itself, the sweeper and the optional
// cross-instance bridge.
type Server struct {
	cfg     Config
	relay   *relay.Relay
	conns   *relay.ConnMap
	sweeper *relay.Sweeper
	handler http.Handler

	bridgeListener pubsub.Listener
	bridgeNotifier pubsub.Notifier

	draining     atomic.Bool
	teardownOnce sync.Once
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
		os.Setenv(internal.DebugEnvVar, "1")
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          cfg.Version,
			AttachStacktrace: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialise sentry: %w", err)
		}
	}
	if cfg.OTLPURL != "" {
		if err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, cfg.Version); err != nil {
			return nil, fmt.Errorf("failed to configure OTLP: %w", err)
		}
	}

	s := &Server{cfg: cfg}
	if cfg.NATSURL != "" {
		bus, err := pubsub.ConnectNATS(cfg.NATSURL, "collab-relay", 10)
		if err != nil {
			return nil, err
		}
		s.bridgeListener = bus
		s.bridgeNotifier = bus
		if cfg.Metrics {
			s.bridgeNotifier = pubsub.NewPromNotifier(bus, "bridge")
		}
	}
	s.relay = relay.NewRelay(relay.Options{
		SessionTimeout:   cfg.SessionTimeout,
		Bridge:           s.bridgeNotifier,
		EnablePrometheus: cfg.Metrics,
	})
	s.conns = relay.NewConnMap(cfg.idleTimeout())
	s.sweeper = relay.NewSweeper(s.relay, cfg.SweepInterval)

	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/collab", relay.NewWSHandler(s.relay, s.conns, cfg.AllowedOrigin, cfg.SendBuffer)).Methods("GET")
	r.Handle("/healthz", allowCORS(cfg.AllowedOrigin, http.HandlerFunc(s.healthz))).Methods("GET", "OPTIONS")
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	s.handler = &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
					return
				}
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			withSentryHub,
		},
		final: otelhttp.NewHandler(r, "collab-relay"),
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Relay() *relay.Relay {
	return s.relay
}

func (s *Server) healthz(w http.ResponseWriter, req *http.Request) {
	if s.draining.Load() {
		herr := &internal.HandlerError{
			StatusCode: http.StatusServiceUnavailable,
			Err:        errors.New("shutting down"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(herr.StatusCode)
		w.Write(herr.JSON())
		return
	}
	body, err := json.Marshal(s.relay.Stats())
	if err != nil {
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		hlog.FromRequest(req).Err(err).Msg("failed to marshal stats")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(body)
}

// Run serves until ctx is done, then shuts down gracefully. It returns early with an error if
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweeping := context.WithCancel(ctx)
	defer stopSweeping()
	go s.sweeper.Run(sweepCtx)
	if s.bridgeListener != nil {
		go func() {
			if err := s.relay.ListenBridge(s.bridgeListener); err != nil {
				logger.Err(err).Msg("bridge listener stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("listening on %s", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Teardown()
		return fmt.Errorf("failed to listen and serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	s.draining.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// websocket connections are hijacked, so Shutdown doesn't wait for them; Teardown closes them
	err := httpSrv.Shutdown(shutdownCtx)
	s.Teardown()
	if err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

// Teardown disconnects every client and releases the bridge. Safe to call more than once.
func (s *Server) Teardown() {
	s.teardownOnce.Do(func() {
		s.draining.Store(true)
		s.relay.Close()
		s.conns.Teardown()
		if s.bridgeNotifier != nil {
			if err := s.bridgeNotifier.Close(); err != nil {
				logger.Err(err).Msg("failed to close bridge")
			}
		}
		sentry.Flush(2 * time.Second)
	})
}
