package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/letterdrop/letterdrop/internal/config"
	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/storage"
	"github.com/rs/zerolog"
)

type Pool struct {
	worker       *Worker
	workers      int
	pollInterval time.Duration
	startupGrace time.Duration
	log          zerolog.Logger
	stop         chan struct{}
	fatal        chan error
	wg           sync.WaitGroup
	now          func() time.Time
}

func NewPool(cfg config.DeliveryConfig, store storage.Storage, sender email.Sender, log zerolog.Logger) *Pool {
	schedule := cfg.RetrySchedule
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	startupGrace := cfg.StartupGrace
	if startupGrace <= 0 {
		startupGrace = 2 * time.Minute
	}

	worker := NewWorker(store, sender, cfg.MaxRetries, schedule, cfg.Timeout, log)

	return &Pool{
		worker:       worker,
		workers:      cfg.Workers,
		pollInterval: pollInterval,
		startupGrace: startupGrace,
		log:          log,
		stop:         make(chan struct{}),
		fatal:        make(chan error, 1),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("starting delivery worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.runLoop(ctx, id)
		}(i)
	}
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

// Fatal reports an unrecoverable storage outage. At most one error is ever
// sent; the caller is expected to shut the process down and let the
// supervisor restart it.
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

func (p *Pool) runLoop(ctx context.Context, id int) {
	log := p.log.With().Int("worker", id).Logger()

	var failingSince time.Time

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		processed, err := p.worker.ProcessOne(ctx)
		if err != nil {
			if failingSince.IsZero() {
				failingSince = p.now()
			}
			log.Error().Err(err).Msg("delivery pass failed")
			if p.now().Sub(failingSince) > p.startupGrace {
				select {
				case p.fatal <- fmt.Errorf("storage unavailable for over %s: %w", p.startupGrace, err):
				default:
				}
				return
			}
			p.sleep(ctx, p.pollInterval)
			continue
		}
		failingSince = time.Time{}

		if !processed {
			p.sleep(ctx, p.pollInterval)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-p.stop:
	case <-ctx.Done():
	case <-time.After(d):
	}
}
