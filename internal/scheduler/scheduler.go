package scheduler

import (
	"context"
	"time"

	"moonwatch/internal/logger"
)

// AlignedScheduler runs a task on wall-clock boundaries of Interval
// (e.g. every full minute) shifted by Offset.
type AlignedScheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, running task at every boundary until the context ends.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("AlignedScheduler: task is nil, exit")
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("AlignedScheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	logger.Debugf("AlignedScheduler: started interval=%s offset=%s", s.Interval, s.Offset)

	if s.RunImmediately {
		task()
	}
	for {
		wait := s.untilNext(s.nowFn())
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		task()
	}
}

func (s *AlignedScheduler) untilNext(now time.Time) time.Duration {
	now = now.UTC()
	wakeAt := now.Truncate(s.Interval).Add(s.Offset)
	if !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt.Sub(now)
}
