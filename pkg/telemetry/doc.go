// Package telemetry provides observability instrumentation for xfer transfers.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing, and connects them
// to the transfer engine through TransferObserver.
//
// # Usage
//
// Initialize telemetry at application startup and hand its observer to the engine:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.NewEngine(registry, store.Accessor(), engine.Options{
//	    Logger:   tel.Logger.Zerolog(),
//	    Observer: tel.Observer(),
//	})
//
// # Structured Logging
//
// Logger embeds zerolog.Logger; child loggers carry a component or a transfer:
//
//	logger := tel.Logger.Component("pack").ForTransfer(transferID, engine.DirectionExport)
//	logger.Info().Str("path", path).Msg("Package written")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Every export and import gets a "transfer.export" or "transfer.import" span.
// Conflicts and warnings are added to it as span events. Supported exporters
// are "otlp" (gRPC), "stdout" and "none".
//
// Work outside a transfer, such as publishing a package, is wrapped in an
// Operation:
//
//	op := telemetry.StartOperation(tel.WithContext(ctx), "package.publish")
//	err := publish(op.Ctx)
//	op.End(err)
//
// # Metrics
//
// Metrics live on a private registry and are served over HTTP only when
// MetricsConfig.ListenAddress is set:
//
//   - xfer_transfers_started_total{direction}
//   - xfer_transfers_completed_total{direction,status}
//   - xfer_transfer_duration_seconds{direction,status}
//   - xfer_resources_transferred_total{direction,type}
//   - xfer_conflicts_total{type,policy,action}
//   - xfer_consistency_warnings_total{type}
//   - xfer_asset_copies_total{bucket,status}
//   - xfer_operations_total{operation,status}
//   - xfer_operation_duration_seconds{operation}
//   - xfer_errors_by_class_total{class}
//   - xfer_errors_by_code_total{code}
//   - xfer_active_transfers
//
// # Event Publishing
//
// Events are delivered in order, either on the publishing goroutine or, with
// EnableAsync, on a background goroutine that is drained on Shutdown.
// HistoryRecorder subscribes to the publisher and writes every transfer and
// its events to a HistoryStore:
//
//	recorder := telemetry.NewHistoryRecorder(store, packagePath, tel.Logger)
//	recorder.Subscribe(tel.Events)
//
// Event filters: FilterByLevel, FilterByType, FilterByTransferID
package telemetry
