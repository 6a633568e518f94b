package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/docrelay/pkg/attachments"
	"github.com/sipeed/docrelay/pkg/bus"
	"github.com/sipeed/docrelay/pkg/logger"
	"github.com/sipeed/docrelay/pkg/usage"
)

type Status struct {
	Pending    int
	Unfinished int
	Staged     int
	Today      usage.Aggregate
}

// Service logs relay health on a cron schedule. Staged files that remain
// while nothing is in flight were left behind by failed tasks.
type Service struct {
	schedule string
	queue    *bus.TaskQueue
	staging  *attachments.Staging
	journal  *usage.Store
	now      func() time.Time
}

func NewService(schedule string, queue *bus.TaskQueue, staging *attachments.Staging, journal *usage.Store) (*Service, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid heartbeat schedule %q", schedule)
	}
	return &Service{
		schedule: schedule,
		queue:    queue,
		staging:  staging,
		journal:  journal,
		now:      time.Now,
	}, nil
}

// Next returns the first tick strictly after ref.
func (s *Service) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, ref, false)
}

func (s *Service) Run(ctx context.Context) error {
	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"schedule": s.schedule,
	})
	for {
		next, err := s.Next(s.now())
		if err != nil {
			return fmt.Errorf("next heartbeat: %w", err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.Beat()
		}
	}
}

func (s *Service) Snapshot() Status {
	st := Status{
		Pending:    s.queue.Len(),
		Unfinished: s.queue.Unfinished(),
	}
	if s.staging != nil {
		if n, err := s.staging.Pending(); err == nil {
			st.Staged = n
		}
	}
	if s.journal != nil {
		st.Today = s.journal.Today()
	}
	return st
}

func (s *Service) Beat() Status {
	st := s.Snapshot()
	fields := map[string]interface{}{
		"pending":   st.Pending,
		"in_flight": st.Unfinished - st.Pending,
		"staged":    st.Staged,
		"today":     usage.Summary(st.Today),
	}
	if st.Staged > 0 && st.Unfinished == 0 {
		logger.WarnCF("heartbeat", "Staged files left behind by failed tasks", fields)
		return st
	}
	logger.InfoCF("heartbeat", "Relay heartbeat", fields)
	return st
}
