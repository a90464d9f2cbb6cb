package projection

import (
	"context"
	"fmt"
	"strings"
)

// KPITotal aggregates one metric over a day window.
type KPITotal struct {
	ValueInt int64
	ValueNum float64
	AvgNum   float64
	Rows     int64
}

// StageMetric aggregates one process stage over a day window. The average is
// recomputed from the per-day weighted sums, not averaged across days.
type StageMetric struct {
	Stage    string
	Count    int64
	AvgHours float64
}

// SupplierMetric aggregates one supplier over a day window.
type SupplierMetric struct {
	SupplierKey      string
	Invites          int64
	Responses        int64
	AvgResponseHours float64
	SavingsAbs       float64
}

func dayClause(start, end string) (string, []any) {
	var (
		clause string
		args   []any
	)
	if s := strings.TrimSpace(start); s != "" {
		clause += " AND day >= ?"
		args = append(args, s)
	}
	if e := strings.TrimSpace(end); e != "" {
		clause += " AND day <= ?"
		args = append(args, e)
	}
	return clause, args
}

// KPITotals sums each metric over the inclusive [start, end] day window
// (blank bounds mean unbounded).
func (s *Store) KPITotals(ctx context.Context, workspaceID, start, end string) (map[string]KPITotal, error) {
	clause, args := dayClause(start, end)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT metric,
		       SUM(value_int) AS total_int,
		       SUM(value_num) AS total_num,
		       AVG(value_num) AS avg_num,
		       COUNT(*) AS total_rows
		FROM ar_kpi_daily
		WHERE workspace_id = ?`+clause+`
		GROUP BY metric`),
		append([]any{workspaceID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("kpi totals: %w", err)
	}
	defer rows.Close()

	out := map[string]KPITotal{}
	for rows.Next() {
		var (
			metric string
			total  KPITotal
		)
		if err := rows.Scan(&metric, &total.ValueInt, &total.ValueNum, &total.AvgNum, &total.Rows); err != nil {
			return nil, fmt.Errorf("kpi totals scan: %w", err)
		}
		if metric = strings.TrimSpace(metric); metric != "" {
			out[metric] = total
		}
	}
	return out, rows.Err()
}

// StageMetrics aggregates the process stage table over a day window.
func (s *Store) StageMetrics(ctx context.Context, workspaceID, start, end string) ([]StageMetric, error) {
	clause, args := dayClause(start, end)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT stage,
		       SUM(count) AS total_count,
		       SUM(avg_hours * count) AS weighted_hours
		FROM ar_process_stage_daily
		WHERE workspace_id = ?`+clause+`
		GROUP BY stage
		ORDER BY stage ASC`),
		append([]any{workspaceID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("stage metrics: %w", err)
	}
	defer rows.Close()

	var out []StageMetric
	for rows.Next() {
		var (
			m        StageMetric
			weighted float64
		)
		if err := rows.Scan(&m.Stage, &m.Count, &weighted); err != nil {
			return nil, fmt.Errorf("stage metrics scan: %w", err)
		}
		if m.Count > 0 {
			m.AvgHours = weighted / float64(m.Count)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SupplierMetrics aggregates the supplier table over a day window, ordered by
// accumulated savings descending.
func (s *Store) SupplierMetrics(ctx context.Context, workspaceID, start, end string) ([]SupplierMetric, error) {
	clause, args := dayClause(start, end)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT supplier_key,
		       SUM(invites) AS invites,
		       SUM(responses) AS responses,
		       SUM(avg_response_hours * responses) AS weighted_response_hours,
		       SUM(savings_abs) AS savings_abs
		FROM ar_supplier_daily
		WHERE workspace_id = ?`+clause+`
		GROUP BY supplier_key
		ORDER BY savings_abs DESC, supplier_key ASC`),
		append([]any{workspaceID}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("supplier metrics: %w", err)
	}
	defer rows.Close()

	var out []SupplierMetric
	for rows.Next() {
		var (
			m        SupplierMetric
			weighted float64
		)
		if err := rows.Scan(&m.SupplierKey, &m.Invites, &m.Responses, &weighted, &m.SavingsAbs); err != nil {
			return nil, fmt.Errorf("supplier metrics scan: %w", err)
		}
		m.SupplierKey = strings.TrimSpace(m.SupplierKey)
		if m.Responses > 0 {
			m.AvgResponseHours = weighted / float64(m.Responses)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
