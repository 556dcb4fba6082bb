package search

import (
	"strings"

	"roadwatch/api/internal/store"
)

// Result is a single report hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Zone       string `json:"zone"`
	Status     string `json:"status"`
	Severity   string `json:"severity,omitempty"`
	DamageType string `json:"damageType,omitempty"`
}

// Query describes a search request. Zone, CitizenID and ContractorID narrow
// the hits to what the caller may see.
type Query struct {
	Text         string
	Zone         string
	CitizenID    string
	ContractorID string
	Status       string
	Limit        int
	Offset       int
}

// Scoped copies the visibility filter onto the query.
func (q Query) Scoped(filter store.ReportFilter) Query {
	q.Zone = filter.Zone
	q.CitizenID = filter.CitizenID
	q.ContractorID = filter.ContractorID
	return q
}

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return 20
	case q.Limit > 100:
		return 100
	default:
		return q.Limit
	}
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// ReportRecord is the data we index for a report.
type ReportRecord struct {
	ID           string `json:"id"`
	RoadName     string `json:"roadName"`
	Address      string `json:"address"`
	Zone         string `json:"zone"`
	DamageType   string `json:"damageType"`
	Severity     string `json:"severity"`
	Status       string `json:"status"`
	RootCause    string `json:"rootCause"`
	CitizenID    string `json:"citizenId"`
	ContractorID string `json:"contractorId"`
	CreatedAt    int64  `json:"createdAt"`
}

func RecordFrom(r store.Report) ReportRecord {
	rec := ReportRecord{
		ID:           r.ID,
		RoadName:     r.Location.RoadName,
		Address:      r.Location.Address,
		Zone:         r.Location.Zone,
		Status:       string(r.Status),
		RootCause:    r.RootCause,
		CitizenID:    r.CitizenID,
		ContractorID: r.ContractorID,
		CreatedAt:    r.CreatedAt.Unix(),
	}
	if d := r.AIDetection; d != nil {
		rec.DamageType = d.DamageType
		rec.Severity = string(d.Severity)
	}
	return rec
}

func (rec ReportRecord) result() Result {
	return Result{
		ID:         rec.ID,
		Title:      title(rec.DamageType, rec.Severity),
		Snippet:    firstNonBlank(rec.RoadName, rec.Address),
		Zone:       rec.Zone,
		Status:     rec.Status,
		Severity:   rec.Severity,
		DamageType: rec.DamageType,
	}
}

func title(damageType, severity string) string {
	if damageType == "" {
		damageType = "road damage"
	}
	if severity == "" {
		return damageType
	}
	return severity + " " + damageType
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
