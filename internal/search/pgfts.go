package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches reports directly in PostgreSQL. It is the fallback when
// Meilisearch is down and the source for full reindexing.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the search fails anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

const recordColumns = `id,
	coalesce(location->>'roadName', ''),
	coalesce(location->>'address', ''),
	coalesce(location->>'zone', ''),
	coalesce(ai_detection->>'damageType', ''),
	coalesce(ai_detection->>'severity', ''),
	status,
	coalesce(root_cause, ''),
	citizen_id,
	coalesce(contractor_id, ''),
	extract(epoch FROM created_at)::bigint`

// Search matches the text case-insensitively against road name, address,
// damage type and root cause, newest reports first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	args := []any{"%" + escapeLike(text) + "%", text}
	where := []string{`(location->>'roadName' ILIKE $1
		OR location->>'address' ILIKE $1
		OR ai_detection->>'damageType' ILIKE $1
		OR root_cause ILIKE $1
		OR id = $2)`}
	for _, f := range []struct{ column, value string }{
		{"location->>'zone'", q.Zone},
		{"citizen_id", q.CitizenID},
		{"contractor_id", q.ContractorID},
		{"status", q.Status},
	} {
		if f.value == "" {
			continue
		}
		args = append(args, f.value)
		where = append(where, fmt.Sprintf("%s = $%d", f.column, len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM reports WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM reports WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, recordColumns, clause, q.limit(), max(q.Offset, 0)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, rec.result())
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every report for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ReportRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM reports`)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	defer rows.Close()

	records := make([]ReportRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (ReportRecord, error) {
	var rec ReportRecord
	err := rows.Scan(&rec.ID, &rec.RoadName, &rec.Address, &rec.Zone, &rec.DamageType,
		&rec.Severity, &rec.Status, &rec.RootCause, &rec.CitizenID, &rec.ContractorID, &rec.CreatedAt)
	return rec, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
