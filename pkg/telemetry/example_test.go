package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/xfer/pkg/engine"
	"github.com/openfroyo/xfer/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Output = "discard"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	zerolog.Ctx(ctx).Info().Msg("Application started")

	fmt.Println(telemetry.FromContext(ctx) == tel, cfg.Metrics.Namespace)
	// Output: true xfer
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled: true,
	})
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s [%s] %s\n", event.Type, event.Level, event.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelInfo))

	_ = publisher.PublishTransferStarted("t-1", engine.DirectionImport)
	_ = publisher.PublishResourceTransferred("t-1", engine.DirectionImport, "project")
	_ = publisher.PublishConflictResolved("t-1", engine.ConflictOutcome{
		Key:        "1",
		Type:       "project",
		Policy:     engine.ConflictCover,
		Action:     engine.ActionCovered,
		Identity:   "42",
		Consistent: true,
	})
	_ = publisher.PublishTransferCompleted("t-1", engine.DirectionImport, time.Second)

	// Output:
	// transfer.started [info] Import t-1 started
	// conflict.resolved [info] project:1 collided with existing record 42 (covered)
	// transfer.completed [info] Import t-1 completed
}

// Example_eventFiltering demonstrates filtering warnings of one transfer.
func Example_eventFiltering() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled: true,
	})
	defer publisher.Shutdown(context.Background())

	publisher.AddFilter(telemetry.FilterByTransferID("t-2"))
	publisher.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Message, event.Data["code"])
	}, telemetry.FilterByType(telemetry.EventTypeWarning))

	warning := engine.NewConsistencyWarning("project:1 is inconsistent with the existing record")
	_ = publisher.PublishWarning("t-1", errors.New("ignored"))
	_ = publisher.PublishWarning("t-2", warning)

	// Output:
	// [consistency] project:1 is inconsistent with the existing record INCONSISTENT
}

// Example_operation demonstrates tracing work outside a transfer.
func Example_operation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = "discard"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	op := telemetry.StartOperation(tel.WithContext(context.Background()), "package.publish",
		telemetry.AttrRemoteHost.String("backup.example.com"),
	)
	op.Logger.Info().Msg("Publishing package")
	elapsed := op.End(nil)

	fmt.Println(elapsed >= 0)
	// Output: true
}
