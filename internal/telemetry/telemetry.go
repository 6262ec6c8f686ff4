// Package telemetry provides OpenTelemetry integration for beaconkit.
//
// It manages the lifecycle of the OpenTelemetry TracerProvider and holds
// the span attribute names and log templates shared by the SDK's backend
// communication.
//
// # Key Components
//
// Manager: OpenTelemetry initialization, lifecycle management and shutdown.
//
// TracerWrapper: nil-safe tracer that falls back to a noop provider, so
// instrumented code never checks whether tracing is configured.
//
// Attributes: span attribute constants grouped by HTTP, beacon protocol and
// sender state, and the span names shared by the HTTP client and sender.
//
// Error Templates: log messages for backend throttling, failed
// initialization and unparsable responses, with troubleshooting steps.
//
// # Usage Example
//
//	manager := telemetry.NewManager(telemetry.Config{
//	    Enabled:         true,
//	    Endpoint:        "localhost:4317",
//	    Insecure:        true,
//	    SamplingRate:    1.0,
//	    ServiceName:     "beaconkit",
//	    ServiceVersion:  "1.0.0",
//	    BackendHost:     "collector.example.com",
//	    ApplicationName: "shop",
//	    AgentVersion:    beacon.AgentVersion,
//	})
//	if err := manager.Initialize(ctx); err != nil {
//	    log.Warnf("tracing disabled: %v", err)
//	}
//	defer manager.Shutdown(ctx)
//
//	kit, err := beaconkit.New(cfg, beaconkit.WithTracerProvider(manager.TracerProvider()))
//
// # Sampling
//
// A SamplingRate of 1.0 samples every trace; lower values sample by trace
// ID ratio; spans started under a parent follow the parent's decision.
//
// If initialization fails the manager disables tracing and the SDK keeps
// sending beacons without spans.
package telemetry
