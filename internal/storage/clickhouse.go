package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/formguard/formguard/internal/observability"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter persists detection events asynchronously. Write() is
// non-blocking; events are buffered and batch-inserted by a background
// goroutine so a slow sink can never stall a verdict.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *DetectionEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, pings, and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	// ParseDSN enables TLS when ?secure=true is present; enforce a non-nil
	// config so cloud endpoints on TLS ports work either way.
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DetectionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

// Write queues a detection event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *DetectionEvent) {
	select {
	case w.buffer <- event:
	default:
		observability.EventsDropped.Inc()
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then returns. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DetectionEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			// Drain whatever is still buffered before returning.
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*DetectionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO detection_events (
			request_id, tab_id, client_id, timestamp,
			request_type, method, url, target_domain, current_domain,
			verdict, confidence, recommendation, reason,
			rule_ids, rule_names, rule_confidences, first_rule_id,
			used_ai, payload_size, input_count, input_types, analysis_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var usedAI uint8
		if e.UsedAI {
			usedAI = 1
		}

		if err := batch.Append(
			e.RequestID,
			e.TabID,
			e.ClientID,
			e.Timestamp,
			e.RequestType,
			e.Method,
			Truncate(e.URL, URLMaxLength),
			e.TargetDomain,
			e.CurrentDomain,
			e.Verdict,
			e.Confidence,
			e.Recommendation,
			Truncate(e.Reason, ReasonMaxLength),
			e.RuleIDs,
			e.RuleNames,
			e.RuleConfidences,
			e.FirstRuleID,
			usedAI,
			e.PayloadSize,
			e.InputCount,
			e.InputTypes,
			e.AnalysisMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// LogWriter is a fallback EventWriter for local use without ClickHouse.
// It logs detection events as structured JSON via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DetectionEvent) {
	w.logger.Info("detection_event",
		zap.String("request_id", event.RequestID),
		zap.String("tab_id", event.TabID),
		zap.String("verdict", event.Verdict),
		zap.Float32("confidence", event.Confidence),
		zap.String("recommendation", event.Recommendation),
		zap.String("reason", event.Reason),
		zap.String("target_domain", event.TargetDomain),
		zap.String("current_domain", event.CurrentDomain),
		zap.Strings("rule_ids", event.RuleIDs),
		zap.Bool("used_ai", event.UsedAI),
		zap.Float32("analysis_ms", event.AnalysisMs),
	)
}

func (w *LogWriter) Close() {}
