package engine

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"crypto-trading-engine/internal/models"
)

// Scheduler drives the cycle loop for every active bot and the cron
// housekeeping jobs. One goroutine per bot; bots added or removed in the
// database are picked up on the next refresh.
// DailyStats surfaces the day's Redis aggregates for the hourly digest.
type DailyStats interface {
	DailyCounters(ctx context.Context, botID string) (trades int64, pnl float64)
}

type Scheduler struct {
	orch     *Orchestrator
	repo     Repo
	daily    DailyStats
	log      zerolog.Logger
	interval time.Duration
	grace    time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewScheduler(orch *Orchestrator, repo Repo, daily DailyStats, interval, grace time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		orch:     orch,
		repo:     repo,
		daily:    daily,
		log:      log.With().Str("component", "scheduler").Logger(),
		interval: interval,
		grace:    grace,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		running:  make(map[string]context.CancelFunc),
	}
}

// botRefreshInterval bounds how long a newly activated bot waits before
// its first cycle.
const botRefreshInterval = time.Minute

// Start launches the per-bot loops and cron jobs. Blocks until ctx is
// cancelled, then drains in-flight cycles within the grace window.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.cron.AddFunc("0 * * * *", func() { s.logHourlyDigest(runCtx) })
	s.cron.AddFunc("0 0 * * *", func() { s.log.Info().Msg("UTC day rollover, daily counters reset") })
	s.cron.Start()

	if err := s.refreshBots(runCtx); err != nil {
		s.log.Error().Err(err).Msg("initial bot load failed")
	}

	refresh := time.NewTicker(botRefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-runCtx.Done():
			return s.shutdown()
		case <-refresh.C:
			if err := s.refreshBots(runCtx); err != nil {
				s.log.Warn().Err(err).Msg("bot refresh failed")
			}
		}
	}
}

// refreshBots reconciles running loops with the active bot set.
func (s *Scheduler) refreshBots(ctx context.Context) error {
	bots, err := s.repo.ListActiveBots(ctx)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(bots))
	for _, bot := range bots {
		active[bot.ID] = true
		s.ensureLoop(ctx, bot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stop := range s.running {
		if !active[id] {
			s.log.Info().Str("bot_id", id).Msg("bot no longer active, stopping loop")
			stop()
			delete(s.running, id)
		}
	}
	return nil
}

func (s *Scheduler) ensureLoop(ctx context.Context, bot *models.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[bot.ID]; ok {
		return
	}

	loopCtx, stop := context.WithCancel(ctx)
	s.running[bot.ID] = stop
	s.wg.Add(1)

	s.log.Info().Str("bot_id", bot.ID).Str("name", bot.Name).
		Str("mode", string(bot.DecisionMode)).Msg("starting cycle loop")

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// First cycle immediately rather than a full interval later.
		s.runOnce(loopCtx, bot.ID)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runOnce(loopCtx, bot.ID)
			}
		}
	}()
}

func (s *Scheduler) runOnce(ctx context.Context, botID string) {
	if ctx.Err() != nil {
		return
	}
	if err := s.orch.RunCycle(ctx, botID); err != nil {
		s.log.Error().Err(err).Str("bot_id", botID).Msg("cycle failed")
	}
}

// shutdown stops the cron jobs and waits for in-flight cycles up to the
// grace window; anything still running after that is abandoned to the
// context cancellation.
func (s *Scheduler) shutdown() error {
	s.log.Info().Dur("grace", s.grace).Msg("scheduler draining")
	cronCtx := s.cron.Stop()

	s.mu.Lock()
	for id, stop := range s.running {
		stop()
		delete(s.running, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all cycle loops drained")
	case <-time.After(s.grace):
		s.log.Warn().Msg("grace window expired with cycles still in flight")
	}
	<-cronCtx.Done()
	return nil
}

func (s *Scheduler) logHourlyDigest(ctx context.Context) {
	bots, err := s.repo.ListActiveBots(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("hourly digest skipped")
		return
	}
	for _, bot := range bots {
		ev := s.log.Info().Str("bot_id", bot.ID).Str("name", bot.Name).
			Str("capital", bot.Capital.String()).
			Str("total_pnl", bot.TotalPnL.String()).
			Str("mode", string(bot.DecisionMode))
		if s.daily != nil {
			trades, pnl := s.daily.DailyCounters(ctx, bot.ID)
			ev = ev.Int64("trades_today", trades).Float64("pnl_today", pnl)
		}
		ev.Msg("hourly bot digest")
	}
}
