// Package rhi computes the Road Health Index, a 0-100 health score per zone
// derived from the live report corpus.
package rhi

import (
	"math"
	"time"

	"roadwatch/api/internal/store"
)

type Grade string

const (
	GradeExcellent Grade = "Excellent"
	GradeGood      Grade = "Good"
	GradeFair      Grade = "Fair"
	GradePoor      Grade = "Poor"
	GradeCritical  Grade = "Critical"
)

// Metrics are the weighted inputs to the damage score. PendingRepairs is
// the only unweighted count.
type Metrics struct {
	TotalDamages   float64 `json:"totalDamages"`
	HighSeverity   float64 `json:"highSeverity"`
	MediumSeverity float64 `json:"mediumSeverity"`
	LowSeverity    float64 `json:"lowSeverity"`
	AvgAgeDays     float64 `json:"avgAgeDays"`
	PendingRepairs int     `json:"pendingRepairs"`
}

type Score struct {
	Zone           string    `json:"zone"`
	Score          int       `json:"score"`
	Grade          Grade     `json:"grade"`
	Metrics        Metrics   `json:"metrics"`
	LastCalculated time.Time `json:"lastCalculated"`
}

type CityScore struct {
	Score          int       `json:"score"`
	Grade          Grade     `json:"grade"`
	Zones          []Score   `json:"zones"`
	LastCalculated time.Time `json:"lastCalculated"`
}

const (
	weightTotal   = 2.0
	weightHigh    = 15.0
	weightMedium  = 8.0
	weightLow     = 3.0
	weightAge     = 0.5
	weightPending = 10.0
)

// Weight is the residual damage a report still contributes. Open reports
// count fully; a completed repair is discounted by the citizen's rating, or
// by half when nobody rated it.
func Weight(report store.Report) float64 {
	if report.Status != store.StatusCompleted {
		return 1.0
	}
	if report.CitizenRating == nil {
		return 0.5
	}
	r := float64(*report.CitizenRating)
	return math.Max(0, 1-r/5)
}

// Compute scores one zone from the reports whose location carries that zone.
// An empty zone name scores the whole corpus. The age term is an average, so
// a fresh report added to a corpus of very old ones can raise the score by
// diluting it.
func Compute(zone string, reports []store.Report, now time.Time) Score {
	var m Metrics
	var weightedAge float64

	for _, report := range reports {
		if zone != "" && report.Location.Zone != zone {
			continue
		}
		w := Weight(report)
		m.TotalDamages += w
		switch report.Severity() {
		case store.SeverityHigh:
			m.HighSeverity += w
		case store.SeverityMedium:
			m.MediumSeverity += w
		case store.SeverityLow:
			m.LowSeverity += w
		}
		if w > 0 {
			weightedAge += w * ageDays(report.CreatedAt, now)
		}
		if report.Status.Open() {
			m.PendingRepairs++
		}
	}
	if m.TotalDamages > 0 {
		m.AvgAgeDays = weightedAge / m.TotalDamages
	}

	score := 100
	if m.TotalDamages > 0 || m.PendingRepairs > 0 {
		score = clamp(int(math.Round(100-damageScore(m))), 0, 100)
	}
	return Score{
		Zone:           zone,
		Score:          score,
		Grade:          GradeFor(score),
		Metrics:        m,
		LastCalculated: now,
	}
}

// CityWide scores every zone and averages the zone scores so that each zone
// counts equally regardless of how many reports it has.
func CityWide(zones []string, reports []store.Report, now time.Time) CityScore {
	city := CityScore{Score: 100, Grade: GradeExcellent, Zones: []Score{}, LastCalculated: now}
	if len(zones) == 0 {
		return city
	}
	total := 0
	for _, zone := range zones {
		zs := Compute(zone, reports, now)
		city.Zones = append(city.Zones, zs)
		total += zs.Score
	}
	city.Score = int(math.Round(float64(total) / float64(len(zones))))
	city.Grade = GradeFor(city.Score)
	return city
}

func GradeFor(score int) Grade {
	switch {
	case score >= 85:
		return GradeExcellent
	case score >= 70:
		return GradeGood
	case score >= 50:
		return GradeFair
	case score >= 30:
		return GradePoor
	default:
		return GradeCritical
	}
}

func damageScore(m Metrics) float64 {
	return m.TotalDamages*weightTotal +
		m.HighSeverity*weightHigh +
		m.MediumSeverity*weightMedium +
		m.LowSeverity*weightLow +
		m.AvgAgeDays*weightAge +
		float64(m.PendingRepairs)*weightPending
}

func ageDays(createdAt, now time.Time) float64 {
	if createdAt.IsZero() || createdAt.After(now) {
		return 0
	}
	return now.Sub(createdAt).Hours() / 24
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
