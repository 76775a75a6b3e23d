package chread

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse detection_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the detection_events table.
type EventRow struct {
	RequestID       string
	TabID           string
	ClientID        string
	Timestamp       time.Time
	RequestType     string
	Method          string
	URL             string
	TargetDomain    string
	CurrentDomain   string
	Verdict         string
	Confidence      float32
	Recommendation  string
	Reason          string
	RuleIDs         []string
	RuleNames       []string
	RuleConfidences []float32
	FirstRuleID     string
	UsedAI          uint8
	PayloadSize     uint32
	InputCount      uint32
	InputTypes      []string
	AnalysisMs      float32
}

const eventColumns = "request_id, tab_id, client_id, timestamp, " +
	"request_type, method, url, target_domain, current_domain, " +
	"verdict, confidence, recommendation, reason, " +
	"rule_ids, rule_names, rule_confidences, first_rule_id, " +
	"used_ai, payload_size, input_count, input_types, analysis_ms"

func scanEvent(row interface{ Scan(dest ...any) error }) (EventRow, error) {
	var e EventRow
	err := row.Scan(
		&e.RequestID, &e.TabID, &e.ClientID, &e.Timestamp,
		&e.RequestType, &e.Method, &e.URL, &e.TargetDomain, &e.CurrentDomain,
		&e.Verdict, &e.Confidence, &e.Recommendation, &e.Reason,
		&e.RuleIDs, &e.RuleNames, &e.RuleConfidences, &e.FirstRuleID,
		&e.UsedAI, &e.PayloadSize, &e.InputCount, &e.InputTypes, &e.AnalysisMs,
	)
	return e, err
}

// ListEventsParams holds filters and pagination for event listing.
// Pointer fields are applied only when non-nil.
type ListEventsParams struct {
	ClientID     string
	Verdict      *string
	TargetDomain *string
	TabID        *string
	RuleID       *string
	UsedAI       *bool
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// ListEvents returns filtered detection events (newest first) and the total
// count of rows matching the filters.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	conditions := []string{"client_id = @client_id"}
	args := []any{
		clickhouse.Named("client_id", params.ClientID),
	}

	if params.Verdict != nil {
		conditions = append(conditions, "verdict = @verdict")
		args = append(args, clickhouse.Named("verdict", *params.Verdict))
	}
	if params.TargetDomain != nil {
		conditions = append(conditions, "target_domain = @target_domain")
		args = append(args, clickhouse.Named("target_domain", *params.TargetDomain))
	}
	if params.TabID != nil {
		conditions = append(conditions, "tab_id = @tab_id")
		args = append(args, clickhouse.Named("tab_id", *params.TabID))
	}
	if params.RuleID != nil {
		conditions = append(conditions, "has(rule_ids, @rule_id)")
		args = append(args, clickhouse.Named("rule_id", *params.RuleID))
	}
	if params.UsedAI != nil {
		var v uint8
		if *params.UsedAI {
			v = 1
		}
		conditions = append(conditions, "used_ai = @used_ai")
		args = append(args, clickhouse.Named("used_ai", v))
	}
	if params.Since != nil {
		conditions = append(conditions, "timestamp >= @since")
		args = append(args, clickhouse.Named("since", *params.Since))
	}
	if params.Until != nil {
		conditions = append(conditions, "timestamp <= @until")
		args = append(args, clickhouse.Named("until", *params.Until))
	}

	where := strings.Join(conditions, " AND ")

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	// Count query
	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM detection_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	// Data query
	dataQuery := fmt.Sprintf(
		"SELECT %s FROM detection_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(limit)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by client ID and request ID, or nil if not
// found.
func (r *Reader) GetEvent(ctx context.Context, clientID, requestID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM detection_events "+
			"WHERE client_id = @client_id AND request_id = @request_id", eventColumns),
		clickhouse.Named("client_id", clientID),
		clickhouse.Named("request_id", requestID),
	)

	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	return &e, nil
}

// SummaryStats holds aggregate detection counts. Only non-safe verdicts are
// ever persisted, so safe does not appear here.
type SummaryStats struct {
	TotalEvents int `json:"total_events"`
	Dangerous   int `json:"dangerous"`
	Suspicious  int `json:"suspicious"`
	Unknown     int `json:"unknown"`
	AIConsulted int `json:"ai_consulted"`
}

// VerdictBucket holds per-verdict counts for one hour.
type VerdictBucket struct {
	Hour       string `json:"hour"`
	Dangerous  int    `json:"dangerous"`
	Suspicious int    `json:"suspicious"`
	Unknown    int    `json:"unknown"`
}

// DomainCount holds a target domain and its detection count.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

// RuleCount holds a rule id and how often it matched.
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int    `json:"count"`
}

// LatencyStats holds analysis latency aggregates in milliseconds.
type LatencyStats struct {
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary          SummaryStats    `json:"summary"`
	VerdictsOverTime []VerdictBucket `json:"verdicts_over_time"`
	TopTargetDomains []DomainCount   `json:"top_target_domains"`
	TopRules         []RuleCount     `json:"top_rules"`
	AnalysisLatency  LatencyStats    `json:"analysis_latency"`
}

// Analytics returns aggregated detection analytics for a client over the
// given number of hours.
func (r *Reader) Analytics(ctx context.Context, clientID string, hours int) (*AnalyticsResult, error) {
	if hours <= 0 {
		hours = 24
	}
	rangeStart := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	baseArgs := []any{
		clickhouse.Named("client_id", clientID),
		clickhouse.Named("range_start", rangeStart),
	}

	result := &AnalyticsResult{}

	// Summary counts
	var total, dangerous, suspicious, unknown, aiConsulted uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(verdict = 'dangerous') as dangerous, "+
			"countIf(verdict = 'suspicious') as suspicious, "+
			"countIf(verdict = 'unknown') as unknown, "+
			"countIf(used_ai = 1) as ai_consulted "+
			"FROM detection_events "+
			"WHERE client_id = @client_id AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&total, &dangerous, &suspicious, &unknown, &aiConsulted)
	if err != nil {
		return nil, fmt.Errorf("Analytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalEvents: int(total),
		Dangerous:   int(dangerous),
		Suspicious:  int(suspicious),
		Unknown:     int(unknown),
		AIConsulted: int(aiConsulted),
	}

	// Per-hour verdict series
	seriesRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, "+
			"countIf(verdict = 'dangerous') as dangerous, "+
			"countIf(verdict = 'suspicious') as suspicious, "+
			"countIf(verdict = 'unknown') as unknown "+
			"FROM detection_events "+
			"WHERE client_id = @client_id AND timestamp >= @range_start "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics verdicts_over_time: %w", err)
	}
	defer func() { _ = seriesRows.Close() }()
	for seriesRows.Next() {
		var hour time.Time
		var d, s, u uint64
		if err := seriesRows.Scan(&hour, &d, &s, &u); err != nil {
			return nil, fmt.Errorf("Analytics verdicts_over_time scan: %w", err)
		}
		result.VerdictsOverTime = append(result.VerdictsOverTime, VerdictBucket{
			Hour:       hour.Format(time.RFC3339),
			Dangerous:  int(d),
			Suspicious: int(s),
			Unknown:    int(u),
		})
	}

	// Top exfiltration targets
	domainRows, err := r.conn.Query(ctx,
		"SELECT target_domain, count() as count "+
			"FROM detection_events "+
			"WHERE client_id = @client_id AND verdict IN ('dangerous', 'suspicious') "+
			"AND target_domain != '' AND timestamp >= @range_start "+
			"GROUP BY target_domain ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_target_domains: %w", err)
	}
	defer func() { _ = domainRows.Close() }()
	for domainRows.Next() {
		var domain string
		var count uint64
		if err := domainRows.Scan(&domain, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_target_domains scan: %w", err)
		}
		result.TopTargetDomains = append(result.TopTargetDomains, DomainCount{
			Domain: domain, Count: int(count),
		})
	}

	// Top matching rules
	ruleRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(rule_ids) as rule_id, count() as count "+
			"FROM detection_events "+
			"WHERE client_id = @client_id AND timestamp >= @range_start "+
			"GROUP BY rule_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("Analytics top_rules: %w", err)
	}
	defer func() { _ = ruleRows.Close() }()
	for ruleRows.Next() {
		var ruleID string
		var count uint64
		if err := ruleRows.Scan(&ruleID, &count); err != nil {
			return nil, fmt.Errorf("Analytics top_rules scan: %w", err)
		}
		result.TopRules = append(result.TopRules, RuleCount{
			RuleID: ruleID, Count: int(count),
		})
	}

	// Analysis latency
	var avg, p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT avg(analysis_ms) as avg, "+
			"quantile(0.5)(analysis_ms) as p50, "+
			"quantile(0.95)(analysis_ms) as p95, "+
			"quantile(0.99)(analysis_ms) as p99 "+
			"FROM detection_events "+
			"WHERE client_id = @client_id AND timestamp >= @range_start",
		baseArgs...,
	).Scan(&avg, &p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("Analytics latency: %w", err)
	}
	result.AnalysisLatency = LatencyStats{
		Avg: safeFloat(avg), P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Ensure slices are non-nil for JSON serialization
	if result.VerdictsOverTime == nil {
		result.VerdictsOverTime = []VerdictBucket{}
	}
	if result.TopTargetDomains == nil {
		result.TopTargetDomains = []DomainCount{}
	}
	if result.TopRules == nil {
		result.TopRules = []RuleCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for avg() and quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
