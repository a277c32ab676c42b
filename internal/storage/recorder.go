package storage

import (
	"context"
	"time"

	"wasched/internal/eventbus"
	logx "wasched/pkg/logx"
)

// housekeepEvery is how often Record prunes the journal.
const housekeepEvery = time.Hour

// Record appends a DeliveryEntry for every task.sent and task.failed event
// until ctx is done. It also prunes expired marks and, with retention > 0,
// deliveries older than retention. Journal errors are logged, never fatal.
func Record(ctx context.Context, bus eventbus.Bus, st Store, retention time.Duration, log logx.Logger) error {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.Named("journal")

	events, unsubscribe := bus.Subscribe(256, eventbus.TypeTaskSent, eventbus.TypeTaskFailed)
	defer unsubscribe()

	housekeep := func() {
		var before time.Time
		if retention > 0 {
			before = time.Now().Add(-retention)
		}
		n, err := st.Prune(ctx, before)
		switch {
		case err != nil:
			log.Warn("journal prune failed", logx.Err(err))
		case n > 0:
			log.Info("journal pruned", logx.Int("deliveries", n), logx.Time("before", before))
		}
	}
	housekeep()
	tick := time.NewTicker(housekeepEvery)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			housekeep()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o, ok := ev.Data.(eventbus.TaskOutcome)
			if !ok {
				continue
			}
			e := EntryFromOutcome(o, ev.Type == eventbus.TypeTaskSent)
			e.At = ev.Time
			if err := st.AppendDelivery(ctx, e); err != nil {
				log.Warn("journal append failed", logx.String("task_id", o.TaskID), logx.Err(err))
			}
		}
	}
}

func EntryFromOutcome(o eventbus.TaskOutcome, ok bool) DeliveryEntry {
	return DeliveryEntry{
		TaskID:     o.TaskID,
		Kind:       o.Kind,
		Recipient:  o.Recipient,
		SubgroupID: o.SubgroupID,
		OK:         ok,
		Status:     o.Status,
		MessageID:  o.MessageID,
		Error:      o.Error,
		SentAt:     o.SentAt,
	}
}
