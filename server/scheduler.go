/******************************************************************************
 *
 *  Description :
 *    Retention scheduler. Triggers are durable ScheduleEntry records, not
 *    in-memory timers: a quartz job scans the store for due entries and
 *    dispatches the retention pass to the owning entity, reactivating it if
 *    it was evicted. Firing therefore survives restarts and idle eviction.
 *
 *****************************************************************************/

package main

import (
	"context"
	"time"

	"github.com/reugn/go-quartz/job"
	"github.com/reugn/go-quartz/quartz"

	"github.com/whisperline/whisperline/server/logs"
	"github.com/whisperline/whisperline/server/store"
	t "github.com/whisperline/whisperline/server/store/types"
)

const defaultScanInterval = 30 * time.Second

// Scheduler periodically fires due retention triggers.
type Scheduler struct {
	hub      *Hub
	interval time.Duration
	sched    quartz.Scheduler
	cancel   context.CancelFunc
}

func newScheduler(hub *Hub, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	sched, _ := quartz.NewStdScheduler()
	return &Scheduler{
		hub:      hub,
		interval: interval,
		sched:    sched,
	}
}

// Start arms the recurring scan job.
func (s *Scheduler) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.sched.Start(ctx)

	scan := job.NewFunctionJob[bool](func(ctx context.Context) (bool, error) {
		s.scan(ctx)
		return true, nil
	})
	detail := quartz.NewJobDetail(scan, quartz.NewJobKey("retention-scan"))
	return s.sched.ScheduleJob(detail, quartz.NewSimpleTrigger(s.interval))
}

// Stop halts the scan job and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.sched.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.sched.Wait(ctx)
	if s.cancel != nil {
		s.cancel()
	}
}

// scan fires every due entry once and advances its next-fire time. A trigger
// whose entity rejects the pass is left in place: the entity deletes its own
// trigger when the conversation is gone.
func (s *Scheduler) scan(ctx context.Context) {
	now := t.TimeNow()
	due, err := store.Schedules.Due(now)
	if err != nil {
		logs.Err.Println("scheduler: cannot list due triggers:", err)
		return
	}
	for _, entry := range due {
		if entry.Kind != t.KindConversation {
			logs.Warn.Println("scheduler: unknown trigger kind", entry.Kind, entry.ID)
			continue
		}
		if err := s.hub.ConversationRef(entry.ID).RunRetention(ctx, now); err != nil {
			if err == t.ErrNotFound {
				// Stale trigger, already dropped by the entity.
				continue
			}
			logs.Warn.Println("scheduler: retention pass failed for", entry.ID, err)
		}
		entry.NextFire = now.Add(entry.Period)
		if err := store.Schedules.Upsert(&entry); err != nil {
			logs.Err.Println("scheduler: cannot advance trigger", entry.ID, err)
		}
	}
}
