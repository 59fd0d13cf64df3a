package observe

import (
	"context"
	"sync"

	"github.com/PipeOpsHQ/execflow/types"
)

type usageUpdate struct {
	sourceID string
	usage    types.Usage
}

// UsageAccumulator totals UsageReported events. The totals are owned by a
// single goroutine; producers and readers reach it only by channel sends.
type UsageAccumulator struct {
	updates chan usageUpdate
	queries chan chan types.Usage
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	final   types.Usage
}

func NewUsageAccumulator() *UsageAccumulator {
	a := &UsageAccumulator{
		updates: make(chan usageUpdate, 64),
		queries: make(chan chan types.Usage),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *UsageAccumulator) loop() {
	defer close(a.stopped)
	var total types.Usage
	for {
		select {
		case u := <-a.updates:
			total = total.Add(u.usage)
		case reply := <-a.queries:
			reply <- total
		case <-a.stop:
			for {
				select {
				case u := <-a.updates:
					total = total.Add(u.usage)
				default:
					a.final = total
					return
				}
			}
		}
	}
}

func (a *UsageAccumulator) Emit(ctx context.Context, event Event) error {
	reported, ok := event.Kind.(UsageReported)
	if !ok {
		return nil
	}
	select {
	case a.updates <- usageUpdate{sourceID: event.Source.ID, usage: reported.Usage}:
		return nil
	case <-a.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *UsageAccumulator) Totals() types.Usage {
	reply := make(chan types.Usage, 1)
	select {
	case a.queries <- reply:
		return <-reply
	case <-a.stopped:
		return a.final
	}
}

func (a *UsageAccumulator) Close() types.Usage {
	a.once.Do(func() { close(a.stop) })
	<-a.stopped
	return a.final
}
