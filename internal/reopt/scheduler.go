package reopt

import (
	"context"
	"log"
	"sync"
	"time"
)

// Retrier re-runs assignment for orders still waiting on a vehicle.
type Retrier interface {
	RetryUnassigned(ctx context.Context) (int, error)
}

// Scheduler drives the controller on a fixed interval. It is owned by the
// process composition root; nothing starts it implicitly. A tick that is
// still running when the next one is due is not queued: vehicles it holds
// are simply skipped by the next pass.
type Scheduler struct {
	Controller *Controller
	Retry      Retrier
	Interval   time.Duration
	// Timeout bounds one tick; zero means Interval.
	Timeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running sync.Mutex
}

func NewScheduler(c *Controller, retry Retrier, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{Controller: c, Retry: retry, Interval: interval}
}

// Start launches the tick loop. Calling it on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.TickNow(ctx)
				}()
			}
		}
	}()
}

// Stop cancels in-flight ticks, ends the loop and waits for both. It is
// safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// TickNow runs one pass synchronously: unassigned orders are retried, then
// every active vehicle is rebuilt. The retry is skipped while an earlier
// pass is still retrying.
func (s *Scheduler) TickNow(ctx context.Context) []Result {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = s.Interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.Retry != nil && s.running.TryLock() {
		n, err := s.Retry.RetryUnassigned(ctx)
		s.running.Unlock()
		if err != nil {
			log.Printf("op=reopt.retry_unassigned assigned=%d err=%v", n, err)
		} else if n > 0 {
			log.Printf("op=reopt.retry_unassigned assigned=%d", n)
		}
	}

	results, err := s.Controller.Tick(ctx)
	if err != nil {
		log.Printf("op=reopt.tick err=%v", err)
		return nil
	}
	return results
}
