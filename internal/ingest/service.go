package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/farm-advisory/internal/observability"
)

// DefaultConcurrency bounds how many entity runs of one job execute at once.
const DefaultConcurrency = 4

// DefaultPublishTimeout bounds how long a job waits for its run events to be
// accepted. The job holds its single-flight slot until then.
const DefaultPublishTimeout = 10 * time.Second

// ServiceConfig carries the collaborators of a Service. Publisher and
// Invalidator may be nil; Metrics is required.
type ServiceConfig struct {
	Registry    Registry
	Weather     WeatherFetcher
	Market      MarketFetcher
	Persister   *Persister
	Invalidator Invalidator
	Publisher   RunPublisher
	Clock       clockwork.Clock
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	Concurrency int

	PublishTimeout time.Duration
}

// Service runs fetch, validate, dedupe, persist and invalidate for every
// registered entity. Runs for different entities execute concurrently;
// the steps of one run are strictly sequential.
type Service struct {
	registry    Registry
	weather     WeatherFetcher
	market      MarketFetcher
	persister   *Persister
	invalidator Invalidator
	publisher   RunPublisher
	clock       clockwork.Clock
	metrics     *observability.Metrics
	logger      *slog.Logger
	concurrency int

	publishTimeout time.Duration
}

// NewService creates a Service from cfg.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		registry:    cfg.Registry,
		weather:     cfg.Weather,
		market:      cfg.Market,
		persister:   cfg.Persister,
		invalidator: cfg.Invalidator,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,

		publishTimeout: cfg.PublishTimeout,
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = DefaultPublishTimeout
	}
	return s
}

// IngestWeather runs weather ingestion for every village with coordinates.
// The returned error is non-nil when the registry could not be read or when
// at least one run failed; the runs are returned either way.
func (s *Service) IngestWeather(ctx context.Context) ([]Run, error) {
	villages, err := s.registry.Villages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list villages: %w", err)
	}

	targets := make([]Village, 0, len(villages))
	for _, v := range villages {
		if !v.HasCoordinates() {
			s.logger.Debug("village has no coordinates, skipping weather", "village_id", v.ID)
			continue
		}
		targets = append(targets, v)
	}

	runs := make([]Run, len(targets))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, v := range targets {
		i, v := i, v
		g.Go(func() error {
			runs[i] = s.RunWeather(ctx, v)
			return nil
		})
	}
	_ = g.Wait()

	return runs, s.afterJob(ctx, string(KindWeather), runs)
}

// IngestMarket runs market ingestion for every (village, commodity) pair.
func (s *Service) IngestMarket(ctx context.Context) ([]Run, error) {
	villages, err := s.registry.Villages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list villages: %w", err)
	}

	entities := MarketEntities(villages)
	runs := make([]Run, len(entities))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, e := range entities {
		i, e := i, e
		g.Go(func() error {
			runs[i] = s.RunMarket(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	return runs, s.afterJob(ctx, string(KindMarket), runs)
}

// RefreshVillage runs weather and market ingestion for a single village
// outside the schedule. A fetcher left nil in ServiceConfig is skipped.
// Run failures are reported per run; the error is non-nil only when the
// village cannot be refreshed at all.
func (s *Service) RefreshVillage(ctx context.Context, villageID string) ([]Run, error) {
	villages, err := s.registry.Villages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list villages: %w", err)
	}
	var (
		v     Village
		found bool
	)
	for _, candidate := range villages {
		if candidate.ID == villageID {
			v, found = candidate, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVillage, villageID)
	}

	var runs []Run
	if s.weather != nil && v.HasCoordinates() {
		runs = append(runs, s.RunWeather(ctx, v))
	}
	if s.market != nil {
		for _, e := range MarketEntities([]Village{v}) {
			runs = append(runs, s.RunMarket(ctx, e))
		}
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingToRefresh, villageID)
	}

	if err := s.afterJob(ctx, "refresh", runs); err != nil {
		s.logger.Warn("village refresh had failures", "village_id", villageID, "error", err)
	}
	return runs, nil
}

// MarketEntities expands each village's market region into one entity per
// distinct commodity. Villages without a region are omitted.
func MarketEntities(villages []Village) []MarketEntity {
	var out []MarketEntity
	for _, v := range villages {
		if v.Market == nil {
			continue
		}
		seen := make(map[string]struct{}, len(v.Market.Commodities))
		for _, c := range v.Market.Commodities {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			if _, ok := seen[strings.ToLower(c)]; ok {
				continue
			}
			seen[strings.ToLower(c)] = struct{}{}
			out = append(out, MarketEntity{
				VillageID: v.ID,
				State:     strings.TrimSpace(v.Market.State),
				District:  strings.TrimSpace(v.Market.District),
				Commodity: c,
			})
		}
	}
	return out
}

// RunWeather performs one weather ingestion run for v.
func (s *Service) RunWeather(ctx context.Context, v Village) Run {
	run := s.newRun(KindWeather, v.ID)
	if !v.HasCoordinates() {
		return s.finish(run, &InvalidQueryError{Field: "lat/lon"})
	}

	raw, err := s.weather.FetchWeather(ctx, *v.Lat, *v.Lon)
	if err != nil {
		return s.finish(run, err)
	}
	run.Fetched = 1

	var candidates []Reading
	r, err := ValidateWeather(v.ID, s.clock.Now(), raw)
	if err != nil {
		if !s.reject(&run, err) {
			return s.finish(run, err)
		}
	} else {
		candidates = append(candidates, r)
	}

	return s.finish(run, s.store(ctx, &run, v.ID, candidates))
}

// RunMarket performs one market ingestion run for e.
func (s *Service) RunMarket(ctx context.Context, e MarketEntity) Run {
	run := s.newRun(KindMarket, e.Key())

	raw, err := s.market.FetchMarket(ctx, e.State, e.District, e.Commodity)
	if err != nil {
		return s.finish(run, err)
	}
	run.Fetched = len(raw.Records)

	candidates := make([]Reading, 0, len(raw.Records))
	for _, rec := range raw.Records {
		r, err := ValidateMarket(e.VillageID, e.Commodity, rec)
		if err != nil {
			if !s.reject(&run, err) {
				return s.finish(run, err)
			}
			continue
		}
		candidates = append(candidates, r)
	}

	return s.finish(run, s.store(ctx, &run, e.VillageID, candidates))
}

func (s *Service) newRun(kind Kind, entityID string) Run {
	return Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		EntityID:  entityID,
		StartedAt: s.clock.Now().UTC(),
	}
}

// reject counts a validation rejection. It reports false when err is not a *Rejected.
func (s *Service) reject(run *Run, err error) bool {
	var rej *Rejected
	if !errors.As(err, &rej) {
		return false
	}
	if run.Rejected == nil {
		run.Rejected = make(map[RejectReason]int)
	}
	run.Rejected[rej.Reason]++
	s.metrics.ReadingsRejected.WithLabelValues(string(run.Kind), string(rej.Reason)).Inc()
	s.logger.Debug("reading rejected",
		"kind", run.Kind,
		"entity_id", run.EntityID,
		"reason", rej.Reason,
		"field", rej.Field,
	)
	return true
}

// store persists candidates and then refreshes the cache for the village.
// Only a persistence failure is returned; cache failures mark the run stale.
func (s *Service) store(ctx context.Context, run *Run, villageID string, candidates []Reading) error {
	if len(candidates) == 0 {
		return nil
	}

	stored, err := s.persister.PersistBatch(ctx, villageID, candidates)
	if err != nil {
		return err
	}
	run.Stored = stored
	run.Inserted = len(stored)
	run.Duplicates = len(candidates) - len(stored)
	s.metrics.ReadingsInserted.WithLabelValues(string(run.Kind)).Add(float64(run.Inserted))
	s.metrics.ReadingsDuplicate.WithLabelValues(string(run.Kind)).Add(float64(run.Duplicates))

	if len(stored) == 0 || s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.Invalidate(ctx, villageID, run.Kind, Newest(stored)); err != nil {
		run.CacheStale = true
		op := "invalidate"
		var cerr *CacheError
		if errors.As(err, &cerr) {
			op = cerr.Op
		}
		s.metrics.CacheErrors.WithLabelValues(op).Inc()
		s.logger.Warn("cache invalidation failed",
			"kind", run.Kind,
			"village_id", villageID,
			"error", err,
		)
	}
	return nil
}

func (s *Service) finish(run Run, err error) Run {
	if err != nil {
		run.Error = err.Error()
	}
	run.FinishedAt = s.clock.Now().UTC()
	run.finalize()
	s.metrics.IngestRuns.WithLabelValues(string(run.Kind), string(run.Outcome)).Inc()

	attrs := []any{
		"kind", run.Kind,
		"entity_id", run.EntityID,
		"run_id", run.ID,
		"outcome", run.Outcome,
		"fetched", run.Fetched,
		"inserted", run.Inserted,
		"duplicates", run.Duplicates,
		"rejected", run.rejectedCount(),
	}
	if err != nil {
		s.logger.Warn("ingest run failed", append(attrs, "error", err)...)
	} else {
		s.logger.Info("ingest run finished", attrs...)
	}
	return run
}

// afterJob publishes the finished runs and summarizes failures for the scheduler.
func (s *Service) afterJob(ctx context.Context, label string, runs []Run) error {
	if s.publisher != nil && len(runs) > 0 {
		pctx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		err := s.publisher.Publish(pctx, runs...)
		cancel()
		if err != nil {
			s.logger.Warn("publish ingest runs failed", "job", label, "runs", len(runs), "error", err)
		}
	}

	failed := 0
	for _, r := range runs {
		if r.Outcome == OutcomeFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d %s runs failed", failed, len(runs), label)
	}
	return nil
}

// Newest returns the stored reading with the latest ObservedAt; later
// entries win ties. stored must not be empty.
func Newest(stored []StoredReading) StoredReading {
	latest := stored[0]
	for _, s := range stored[1:] {
		if !s.ObservedAt.Before(latest.ObservedAt) {
			latest = s
		}
	}
	return latest
}
