// beaconkit runs the telemetry SDK as a standalone agent. It opens a Kit
// against the configured collection backend, exposes the Kit's own state
// as Prometheus metrics and optionally drives a synthetic workload so the
// whole pipeline can be observed end to end.
//
// Usage:
//
//	beaconkit --config config.yaml [--debug] [--demo]
//
// The configuration file is reloaded on change or on SIGHUP. Privacy levels
// apply to sessions created after the reload; backend changes need a
// restart.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fjacquet/beaconkit/internal/beacon"
	"github.com/fjacquet/beaconkit/internal/config"
	"github.com/fjacquet/beaconkit/internal/logging"
	"github.com/fjacquet/beaconkit/internal/models"
	"github.com/fjacquet/beaconkit/internal/telemetry"
	"github.com/fjacquet/beaconkit/pkg/beaconkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	programName       = "beaconkit"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	initWaitTimeout   = 30 * time.Second
	demoInterval      = 2 * time.Second
)

var (
	configFile string
	debug      bool
	demo       bool
)

// Server ties the Kit to the HTTP endpoint serving its metrics, the
// OpenTelemetry manager and the configuration reloader.
//
// Server errors (such as port binding failures) are reported through
// ErrorChan so the caller can still shut down gracefully.
type Server struct {
	configPath       string
	cfg              *models.SafeConfig
	kit              *beaconkit.Kit
	httpSrv          *http.Server
	registry         *prometheus.Registry
	telemetryManager *telemetry.Manager // nil if disabled
	reloader         *config.Reloader

	cancelDemo context.CancelFunc
	demoDone   chan struct{}

	// Buffered so the listener goroutine can report an error before the
	// caller starts selecting on it.
	serverErrChan chan error
}

// NewServer creates a server for a loaded configuration. Nothing runs
// until Start is called.
func NewServer(configPath string, cfg *models.Config) *Server {
	var telemetryMgr *telemetry.Manager
	if cfg.OpenTelemetry.Enabled {
		telemetryMgr = telemetry.NewManager(telemetry.Config{
			Enabled:        cfg.OpenTelemetry.Enabled,
			Endpoint:       cfg.OpenTelemetry.Endpoint,
			Insecure:       cfg.OpenTelemetry.Insecure,
			SamplingRate:   cfg.OpenTelemetry.SamplingRate,
			ServiceName:    programName,
			ServiceVersion: serviceVersion,
			BackendHost:    cfg.BackendHost(),

			ApplicationID:      cfg.MaskApplicationID(),
			ApplicationName:    cfg.Backend.ApplicationName,
			ApplicationVersion: cfg.Backend.ApplicationVersion,
			AgentVersion:       beacon.AgentVersion,
		})
	}

	return &Server{
		configPath:       configPath,
		cfg:              models.NewSafeConfig(cfg),
		registry:         prometheus.NewRegistry(),
		telemetryManager: telemetryMgr,
		serverErrChan:    make(chan error, 1),
	}
}

// setup initializes tracing, creates the Kit and builds the HTTP handler.
func (s *Server) setup() error {
	var tracerProvider trace.TracerProvider
	if s.telemetryManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.telemetryManager.Initialize(ctx); err != nil {
			log.Warnf("Failed to initialize OpenTelemetry: %v. Continuing without tracing.", err)
		}
		if s.telemetryManager.IsEnabled() {
			tracerProvider = s.telemetryManager.TracerProvider()
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			log.Info("OpenTelemetry trace context propagation configured")
		}
	}

	var opts []beaconkit.Option
	if tracerProvider != nil {
		opts = append(opts, beaconkit.WithTracerProvider(tracerProvider))
	}

	cfg := s.cfg.Get()
	kit, err := beaconkit.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create kit: %w", err)
	}
	s.kit = kit

	if err := s.registry.Register(kit.Collector()); err != nil {
		return fmt.Errorf("failed to register collector: %w", err)
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	metricsHandler := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	if s.telemetryManager != nil && s.telemetryManager.IsEnabled() {
		metricsHandler = extractTraceContextMiddleware(metricsHandler)
	}
	mux.Handle(cfg.Server.URI, metricsHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.httpSrv = &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// Start creates the Kit, starts the metrics endpoint and the config
// reloader, and launches the demo workload when enabled.
func (s *Server) Start(withDemo bool) error {
	if err := s.setup(); err != nil {
		return err
	}

	if s.configPath != "" {
		s.reloader = config.NewReloader(s.configPath, s.reload)
		if err := s.reloader.Start(context.Background()); err != nil {
			log.Warnf("Config reload disabled: %v", err)
			s.reloader = nil
		}
	}

	addr := s.httpSrv.Addr
	uri := s.cfg.Get().Server.URI
	go func() {
		log.Infof("Starting %s metrics endpoint on %s%s", programName, addr, uri)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if withDemo {
		s.startDemo(demoInterval)
	}
	return nil
}

// ErrorChan returns the channel for receiving server errors.
func (s *Server) ErrorChan() <-chan error {
	return s.serverErrChan
}

// reload is the config.ReloadFunc: it swaps the configuration and applies
// the new privacy levels to sessions created from now on.
func (s *Server) reload(path string) error {
	backendChanged, err := s.cfg.ReloadConfig(path)
	if err != nil {
		return err
	}
	if backendChanged {
		log.Warnf("Backend now %s, still sending to the previous backend until restart", s.cfg.Get().BackendHost())
	}

	dcl, crl, err := privacyLevels(s.cfg.Get())
	if err != nil {
		return err
	}
	if s.kit != nil {
		s.kit.UpdatePrivacy(dcl, crl)
	}
	return nil
}

// privacyLevels parses the privacy section of a validated configuration.
func privacyLevels(cfg *models.Config) (beaconkit.DataCollectionLevel, beaconkit.CrashReportingLevel, error) {
	dcl, err := beacon.ParseDataCollectionLevel(cfg.Privacy.DataCollectionLevel)
	if err != nil {
		return 0, 0, err
	}
	crl, err := beacon.ParseCrashReportingLevel(cfg.Privacy.CrashReportingLevel)
	if err != nil {
		return 0, 0, err
	}
	return dcl, crl, nil
}

func (s *Server) startDemo(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDemo = cancel
	s.demoDone = make(chan struct{})
	go func() {
		defer close(s.demoDone)
		if !s.kit.WaitForInitTimeout(initWaitTimeout) {
			log.Warn("Kit did not initialize, demo data will not be captured")
		}
		runDemo(ctx, s.kit, interval)
	}()
}

// runDemo simulates a user visit every interval until ctx is done.
func runDemo(ctx context.Context, kit *beaconkit.Kit, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for visit := 1; ; visit++ {
		simulateVisit(kit, visit)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func simulateVisit(kit *beaconkit.Kit, visit int) {
	s := kit.CreateSession(fmt.Sprintf("10.0.0.%d", visit%250+1))
	s.IdentifyUser(fmt.Sprintf("demo-user-%d", visit%10))

	browse := s.EnterAction("browse")
	browse.ReportEvent("catalog-opened")
	search := browse.EnterAction("search")
	search.ReportValueString("query", "coffee")
	search.ReportValueInt("results", int64(rand.IntN(50)))
	search.LeaveAction()
	browse.LeaveAction()

	checkout := s.EnterAction("checkout")
	tracer := checkout.TraceWebRequest("https://shop.example.com/api/orders")
	tracer.Start()
	tracer.SetBytesSent(512)
	if rand.IntN(5) == 0 {
		tracer.Stop(http.StatusInternalServerError)
		checkout.ReportError("order-failed", http.StatusInternalServerError)
	} else {
		tracer.SetBytesReceived(2048)
		tracer.Stop(http.StatusOK)
		checkout.ReportValueDouble("amount", 10+rand.Float64()*90)
	}
	checkout.LeaveAction()

	s.End()
}

// Shutdown stops the components in order:
//  1. Demo workload and config reloader
//  2. HTTP server (no new scrapes accepted)
//  3. Kit (flushes open sessions to the backend)
//  4. OpenTelemetry (flushes the spans of the final requests)
func (s *Server) Shutdown() error {
	var errs []error

	if s.cancelDemo != nil {
		s.cancelDemo()
		<-s.demoDone
	}
	if s.reloader != nil {
		if err := s.reloader.Close(); err != nil {
			log.Warnf("Config reloader close warning: %v", err)
		}
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info("Shutting down HTTP server...")
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}

	if s.kit != nil {
		log.Info("Shutting down kit...")
		if err := s.kit.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("kit shutdown: %w", err))
		}
	}

	if s.telemetryManager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info("Shutting down telemetry...")
		if err := s.telemetryManager.Shutdown(ctx); err != nil {
			log.Warnf("Telemetry shutdown warning: %v", err)
		}
	}

	close(s.serverErrChan)

	if len(errs) > 0 {
		log.Errorf("Shutdown completed with %d errors", len(errs))
		return errs[0]
	}

	log.Info("Server stopped gracefully")
	return nil
}

// extractTraceContextMiddleware extracts W3C trace context from scrape
// requests so collection spans join the caller's trace.
func extractTraceContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// healthHandler reports 200 once the Kit has initialized and 503 before
// that or after initialization failed.
func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if s.kit == nil || !s.kit.IsInitialized() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "NOT READY (sender %s)\n", s.senderState())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK (sender %s)\n", s.senderState())
}

func (s *Server) senderState() string {
	if s.kit == nil {
		return "none"
	}
	return s.kit.SenderState()
}

func setupLogging(cfg *models.Config, debugMode bool) error {
	if err := logging.PrepareLogs(cfg.Server.LogName); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	if debugMode {
		if err := logging.SetLevel("debug"); err != nil {
			return err
		}
		log.Debug("Debug mode enabled")
	}
	return nil
}

// waitForShutdown blocks until SIGINT, SIGTERM or a server error.
// SIGHUP is left to the config reloader.
func waitForShutdown(serverErr <-chan error) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case sig := <-stop:
		log.Infof("Received signal %v, initiating graceful shutdown...", sig)
		return nil
	case err := <-serverErr:
		return err
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Client-side telemetry agent",
		Long:  "beaconkit records sessions and actions and ships them as beacons to a collection backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := models.LoadConfig(configFile)
			if err != nil {
				return err
			}
			if err := setupLogging(cfg, debug); err != nil {
				return err
			}

			log.Infof("Starting %s...", programName)
			log.Infof("Backend: %s", cfg.Backend.Endpoint)
			if debug {
				log.Infof("Application id: %s", cfg.MaskApplicationID())
			}

			server := NewServer(configFile, cfg)
			if err := server.Start(demo); err != nil {
				_ = server.Shutdown()
				return err
			}

			if err := waitForShutdown(server.ErrorChan()); err != nil {
				log.Errorf("Server error: %v", err)
			}
			return server.Shutdown()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (required)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().BoolVar(&demo, "demo", false, "Generate a synthetic workload")
	_ = rootCmd.MarkPersistentFlagRequired("config")
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
