package rhi

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

const (
	HistoryDays = 90
	trendWindow = 7
	// trendThreshold is the minimum move in the 7-day average that counts as a trend.
	trendThreshold = 2.0
	dateLayout     = "2006-01-02"
)

type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// HistoryPoint is one day's score for a zone. A later computation on the
// same day replaces the earlier one.
type HistoryPoint struct {
	Zone  string `json:"zone"`
	Date  string `json:"date"`
	Score int    `json:"score"`
}

// HistoryStore persists the rolling history and the last computed snapshot.
// The snapshot is for display continuity only and never feeds a score.
type HistoryStore interface {
	SaveHistoryPoint(ctx context.Context, point HistoryPoint, retainDays int) error
	History(ctx context.Context, zone string) ([]HistoryPoint, error)
	SaveSnapshot(ctx context.Context, city CityScore) error
	Snapshot(ctx context.Context) (CityScore, bool, error)
}

// Corpus is whatever currently visible set of reports the scores are
// computed from.
type Corpus interface {
	ReadAll(ctx context.Context) ([]store.Report, error)
}

// TrendOf compares the average of the latest seven points against the seven
// before them. Points must be in date order.
func TrendOf(points []HistoryPoint) Trend {
	if len(points) < 2 {
		return TrendStable
	}
	recentStart := len(points) - trendWindow
	if recentStart < 1 {
		recentStart = len(points) / 2
	}
	priorStart := recentStart - trendWindow
	if priorStart < 0 {
		priorStart = 0
	}

	diff := average(points[recentStart:]) - average(points[priorStart:recentStart])
	switch {
	case diff > trendThreshold:
		return TrendImproving
	case diff < -trendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func average(points []HistoryPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0
	for _, p := range points {
		sum += p.Score
	}
	return float64(sum) / float64(len(points))
}

// SortHistory orders points oldest first.
func SortHistory(points []HistoryPoint) {
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
}

type ZoneReport struct {
	Score   Score          `json:"score"`
	Trend   Trend          `json:"trend"`
	History []HistoryPoint `json:"history"`
}

type Service struct {
	corpus  Corpus
	history HistoryStore
	zones   []string
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(corpus Corpus, history HistoryStore, zones []string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		corpus:  corpus,
		history: history,
		zones:   zones,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *Service) Zones() []string {
	return append([]string(nil), s.zones...)
}

// Zone computes a fresh score for one zone, records it in the history and
// derives the trend from the updated history.
func (s *Service) Zone(ctx context.Context, zone string) (ZoneReport, error) {
	reports, err := s.corpus.ReadAll(ctx)
	if err != nil {
		return ZoneReport{}, fmt.Errorf("read reports: %w", err)
	}
	score := Compute(zone, reports, s.now())
	s.record(ctx, score)

	points, err := s.history.History(ctx, zone)
	if err != nil {
		return ZoneReport{}, fmt.Errorf("load rhi history for %s: %w", zone, err)
	}
	SortHistory(points)
	return ZoneReport{Score: score, Trend: TrendOf(points), History: points}, nil
}

// City computes every configured zone. When the corpus cannot be read at all
// the last snapshot is returned instead, with ok=false.
func (s *Service) City(ctx context.Context) (CityScore, bool, error) {
	reports, err := s.corpus.ReadAll(ctx)
	if err != nil {
		snapshot, found, snapErr := s.history.Snapshot(ctx)
		if snapErr == nil && found {
			s.logger.Warn("rhi: serving cached snapshot", zap.Error(err))
			return snapshot, false, nil
		}
		return CityScore{}, false, fmt.Errorf("read reports: %w", err)
	}

	city := CityWide(s.zones, reports, s.now())
	for _, zs := range city.Zones {
		s.record(ctx, zs)
	}
	if err := s.history.SaveSnapshot(ctx, city); err != nil {
		s.logger.Warn("rhi: save snapshot failed", zap.Error(err))
	}
	return city, true, nil
}

func (s *Service) record(ctx context.Context, score Score) {
	point := HistoryPoint{
		Zone:  score.Zone,
		Date:  score.LastCalculated.UTC().Format(dateLayout),
		Score: score.Score,
	}
	if err := s.history.SaveHistoryPoint(ctx, point, HistoryDays); err != nil {
		s.logger.Warn("rhi: save history point failed", zap.String("zone", score.Zone), zap.Error(err))
	}
}
