package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jw6ventures/calsync/internal/store"
)

const (
	// Events soft-deleted longer than this are purged for good.
	reapRetention = 30 * 24 * time.Hour

	// Jobs stuck RUNNING longer than this are assumed orphaned by a crash.
	staleJobAge = 15 * time.Minute

	jobTimeout = 10 * time.Minute
)

// SubscriptionRenewer renews webhook subscriptions nearing expiry.
// Implemented by the subscription manager.
type SubscriptionRenewer interface {
	RenewExpiring(ctx context.Context) error
}

// Scheduler runs the recurring maintenance cadence: ICS feed polling,
// fallback polling for webhook-capable providers, subscription renewal,
// outbound push dispatch, and cleanup.
type Scheduler struct {
	cron    *cron.Cron
	engine  *Engine
	renewer SubscriptionRenewer
	store   *store.Store
}

func NewScheduler(engine *Engine, renewer SubscriptionRenewer, st *store.Store) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		engine:  engine,
		renewer: renewer,
		store:   st,
	}
}

func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(ctx context.Context)
	}{
		{"*/15 * * * *", "ics poll", func(ctx context.Context) {
			s.enqueueProvider(ctx, store.ProviderICS)
		}},
		{"5 * * * *", "fallback poll", func(ctx context.Context) {
			// Webhook-capable providers still get an hourly poll in case
			// notifications were dropped.
			s.enqueueProvider(ctx, store.ProviderGoogle)
			s.enqueueProvider(ctx, store.ProviderMicrosoft)
		}},
		{"0 */12 * * *", "subscription renewal", func(ctx context.Context) {
			if err := s.renewer.RenewExpiring(ctx); err != nil {
				log.Printf("[ERROR] scheduler: renew subscriptions: %v", err)
			}
		}},
		{"*/5 * * * *", "push dispatch", func(ctx context.Context) {
			if err := s.engine.PushPending(ctx); err != nil {
				log.Printf("[ERROR] scheduler: push pending events: %v", err)
			}
		}},
		{"*/10 * * * *", "stale job requeue", func(ctx context.Context) {
			n, err := s.store.Jobs.RequeueStale(ctx, time.Now().Add(-staleJobAge))
			if err != nil {
				log.Printf("[ERROR] scheduler: requeue stale jobs: %v", err)
				return
			}
			if n > 0 {
				log.Printf("[WARN] scheduler: requeued %d stale sync jobs", n)
				s.engine.Kick(ctx)
			}
		}},
		{"30 3 * * *", "maintenance", func(ctx context.Context) {
			if n, err := s.store.Events.Reap(ctx, time.Now().Add(-reapRetention)); err != nil {
				log.Printf("[ERROR] scheduler: reap deleted events: %v", err)
			} else if n > 0 {
				log.Printf("[INFO] scheduler: reaped %d soft-deleted events", n)
			}
			if n, err := s.store.Subscriptions.DeactivateExpired(ctx, time.Now()); err != nil {
				log.Printf("[ERROR] scheduler: deactivate expired subscriptions: %v", err)
			} else if n > 0 {
				log.Printf("[WARN] scheduler: deactivated %d expired subscriptions", n)
			}
		}},
	}

	for _, j := range jobs {
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return fmt.Errorf("register %s job: %w", j.name, err)
		}
	}

	s.cron.Start()
	log.Printf("[INFO] scheduler: started with %d recurring jobs", len(jobs))
	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) enqueueProvider(ctx context.Context, p store.Provider) {
	conns, err := s.store.Connections.ListActiveByProvider(ctx, p)
	if err != nil {
		log.Printf("[ERROR] scheduler: list %s connections: %v", p, err)
		return
	}
	for _, conn := range conns {
		if err := s.engine.RequestSync(ctx, conn.ID, ReasonScheduled); err != nil {
			log.Printf("[ERROR] scheduler: enqueue sync for connection %s: %v", conn.ID, err)
		}
	}
}
