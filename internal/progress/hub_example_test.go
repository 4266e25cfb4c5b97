package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	var forwarded int
	sink := sinkFunc(func(_ context.Context, batch []Event) error {
		forwarded += len(batch)
		return nil
	})
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{JobID: "job-1", TS: time.Unix(0, 0), Stage: StageJobClaimed})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", forwarded)
	// Output:
	// events forwarded: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
