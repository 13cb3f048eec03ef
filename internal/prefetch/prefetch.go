// Package prefetch keeps the cache warm for locations users care about:
// configured tracked cities plus every pinned favorite. Best effort only;
// a failed warm never affects serving.
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/lmarchetti/weather-dashboard/internal/models"
	"github.com/lmarchetti/weather-dashboard/internal/observability"
	"github.com/lmarchetti/weather-dashboard/internal/query"
)

// FavoriteSource lists the pinned locations to keep warm.
type FavoriteSource interface {
	AllFavoriteQueries(ctx context.Context) ([]models.LocationQuery, error)
}

// Prefetcher warms current and forecast snapshots on a schedule.
type Prefetcher struct {
	store     *query.Store
	favorites FavoriteSource
	tracked   []string
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// New returns a Prefetcher. favorites may be nil when only tracked cities
// should be warmed.
func New(store *query.Store, favorites FavoriteSource, tracked []string, logger *zap.Logger) *Prefetcher {
	return &Prefetcher{
		store:     store,
		favorites: favorites,
		tracked:   tracked,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// WarmOnce fetches current conditions and the forecast for every target
// concurrently. Returns an aggregated error if any target failed.
func (p *Prefetcher) WarmOnce(ctx context.Context) error {
	targets := p.targets(ctx)
	if len(targets) == 0 {
		return nil
	}
	observability.PrefetchRunsTotal.Inc()
	start := time.Now()
	if p.logger != nil {
		p.logger.Info("warming cache", zap.Int("targets", len(targets)))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2*len(targets))
	for _, q := range targets {
		q := q
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.store.Current(ctx, q); err != nil {
				errCh <- fmt.Errorf("warm current %s: %w", q, err)
			}
			if _, err := p.store.Forecast(ctx, q); err != nil {
				errCh <- fmt.Errorf("warm forecast %s: %w", q, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if p.logger != nil {
		p.logger.Info("cache warming complete",
			zap.Int("targets", len(targets)),
			zap.Int("errors", len(errs)),
			zap.Duration("duration", time.Since(start)))
	}
	if len(errs) > 0 {
		observability.PrefetchErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// Start schedules periodic warming and starts the scheduler.
func (p *Prefetcher) Start(interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	_, err := p.scheduler.Every(interval).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := p.WarmOnce(ctx); err != nil && p.logger != nil {
			p.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule prefetch: %w", err)
	}
	p.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels future runs.
func (p *Prefetcher) Stop() {
	if p.scheduler != nil {
		p.scheduler.Stop()
	}
}

// targets merges tracked cities with all pinned favorites, deduplicated by
// cache key.
func (p *Prefetcher) targets(ctx context.Context) []models.LocationQuery {
	seen := make(map[string]struct{})
	var out []models.LocationQuery
	add := func(q models.LocationQuery) {
		if q.IsZero() {
			return
		}
		key := q.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, q)
	}

	for _, city := range p.tracked {
		add(models.CityQuery(city))
	}
	if p.favorites != nil {
		favs, err := p.favorites.AllFavoriteQueries(ctx)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("listing favorites for prefetch failed", zap.Error(err))
			}
		} else {
			for _, q := range favs {
				add(q)
			}
		}
	}
	return out
}
