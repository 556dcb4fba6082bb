package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxReports = "roadwatch_reports"

// Meili searches and indexes reports in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	logger  *zap.Logger
	done    chan struct{}
}

// NewMeili creates the client and configures the index. An unreachable
// server leaves it unhealthy until the health loop sees it recover.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("search: meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxReports,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("search: create index (may already exist)", zap.String("index", idxReports), zap.Error(err))
	}

	index := m.client.Index(idxReports)
	filterable := []interface{}{"zone", "status", "citizenId", "contractorId", "severity"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("search: update filterable attributes", zap.Error(err))
	}
	searchable := []string{"roadName", "address", "damageType", "rootCause", "id"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("search: update searchable attributes", zap.Error(err))
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("search: update sortable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	sr := &meili.SearchRequest{
		IndexUID: idxReports,
		Query:    q.Text,
		Limit:    int64(q.limit()),
		Offset:   int64(max(q.Offset, 0)),
	}
	if filters := meiliFilters(q); len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToRecord(hit).result())
		}
	}
	return results, total, nil
}

func meiliFilters(q Query) []string {
	var filters []string
	for _, f := range []struct{ attr, value string }{
		{"zone", q.Zone},
		{"citizenId", q.CitizenID},
		{"contractorId", q.ContractorID},
		{"status", q.Status},
	} {
		if f.value != "" {
			filters = append(filters, fmt.Sprintf("%s = %q", f.attr, f.value))
		}
	}
	return filters
}

func hitToRecord(hit meili.Hit) ReportRecord {
	return ReportRecord{
		ID:           decodeString(hit, "id"),
		RoadName:     decodeString(hit, "roadName"),
		Address:      decodeString(hit, "address"),
		Zone:         decodeString(hit, "zone"),
		DamageType:   decodeString(hit, "damageType"),
		Severity:     decodeString(hit, "severity"),
		Status:       decodeString(hit, "status"),
		RootCause:    decodeString(hit, "rootCause"),
		CitizenID:    decodeString(hit, "citizenId"),
		ContractorID: decodeString(hit, "contractorId"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return ""
}

func (m *Meili) IndexReports(records []ReportRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReports).AddDocuments(records, nil)
	return err
}

func (m *Meili) DeleteReport(id string) error {
	_, err := m.client.Index(idxReports).DeleteDocument(id, nil)
	return err
}
