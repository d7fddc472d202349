package storage

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/model"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const createFlowTableStatement = `
CREATE TABLE IF NOT EXISTS flow_snapshots (
    Timestamp        DateTime,
    SrcIP            String,
    DstIP            String,
    FirstSeen        DateTime64(3),
    LastSeen         DateTime64(3),
    PacketCount      UInt64,
    ByteCount        UInt64,
    PacketsPerSecond Float64,
    BytesPerSecond   Float64,
    AvgPacketSize    Float64,
    UniqueDstPorts   UInt32,
    UniqueProtocols  UInt32
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (SrcIP, Timestamp);
`

const createEventTableStatement = `
CREATE TABLE IF NOT EXISTS guard_events (
    ID     UUID,
    Time   DateTime64(3),
    Kind   LowCardinality(String),
    Source String,
    Slice  LowCardinality(String),
    Action LowCardinality(String),
    Detail String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Time)
ORDER BY (Kind, Time);
`

// Connect opens and pings a ClickHouse connection.
func Connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

// ClickHouseWriter implements the model.Writer interface for ClickHouse.
type ClickHouseWriter struct {
	conn     driver.Conn
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewClickHouseWriter connects and ensures the flow_snapshots table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, interval time.Duration, logger *zap.SugaredLogger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = zap.S()
	}
	conn, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createFlowTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	logger.Infow("connected to clickhouse", "table", "flow_snapshots", "host", cfg.Host)
	return &ClickHouseWriter{conn: conn, interval: interval, logger: logger.With("component", "writer", "writer", "clickhouse")}, nil
}

// GetInterval returns the configured snapshot interval for this writer.
func (w *ClickHouseWriter) GetInterval() time.Duration {
	return w.interval
}

func (w *ClickHouseWriter) Name() string {
	return "clickhouse"
}

// Write inserts one round of flows into flow_snapshots.
func (w *ClickHouseWriter) Write(flows []model.FlowSnapshot, timestamp time.Time) error {
	if len(flows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO flow_snapshots")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, f := range flows {
		if err := batch.Append(flowRow(f, timestamp)...); err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debugw("wrote flows to clickhouse", "flows", len(flows))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}

// flowRow lays out one snapshot in flow_snapshots column order.
func flowRow(f model.FlowSnapshot, timestamp time.Time) []any {
	return []any{
		timestamp.UTC(),
		f.Key.Src.String(),
		f.Key.Dst.String(),
		f.FirstSeen.UTC(),
		f.LastSeen.UTC(),
		f.Packets,
		f.Bytes,
		f.Features.PacketsPerSecond,
		f.Features.BytesPerSecond,
		f.Features.AvgPacketSize,
		uint32(f.Features.UniqueDstPorts),
		uint32(f.Features.UniqueProtocols),
	}
}

// eventRow lays out one event in guard_events column order.
func eventRow(ev model.Event) []any {
	return []any{ev.ID, ev.Time.UTC(), string(ev.Kind), ev.Source, ev.Slice, string(ev.Action), ev.Detail}
}

type eventInserter func(ctx context.Context, events []model.Event) error

// EventSink batches audit events into guard_events. Record never blocks on
// ClickHouse; a full buffer drops the event.
type EventSink struct {
	insert    eventInserter
	batchSize int
	maxBuffer int
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	buf     []model.Event
	dropped uint64

	flushC chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewClickHouseEventSink connects, ensures guard_events exists and starts the
// flush loop.
func NewClickHouseEventSink(cfg config.AuditConfig, logger *zap.SugaredLogger) (*EventSink, error) {
	conn, err := Connect(cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Exec(context.Background(), createEventTableStatement); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	insert := func(ctx context.Context, events []model.Event) error {
		batch, err := conn.PrepareBatch(ctx, "INSERT INTO guard_events")
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		for _, ev := range events {
			if err := batch.Append(eventRow(ev)...); err != nil {
				return fmt.Errorf("failed to append event to batch: %w", err)
			}
		}
		return batch.Send()
	}
	return newEventSink(insert, cfg.BatchSize, cfg.FlushInterval.D(), logger), nil
}

func newEventSink(insert eventInserter, batchSize int, flushInterval time.Duration, logger *zap.SugaredLogger) *EventSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.S()
	}
	s := &EventSink{
		insert:    insert,
		batchSize: batchSize,
		maxBuffer: batchSize * 20,
		logger:    logger.With("component", "audit", "sink", "clickhouse"),
		flushC:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(flushInterval)
	return s
}

func (s *EventSink) Record(ev model.Event) {
	s.mu.Lock()
	if len(s.buf) >= s.maxBuffer {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, ev)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()
	if full {
		select {
		case s.flushC <- struct{}{}:
		default:
		}
	}
}

func (s *EventSink) run(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.flushC:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush sends the buffer. A failed insert keeps the events for the next round.
func (s *EventSink) flush() {
	s.mu.Lock()
	events := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.insert(ctx, events); err != nil {
		s.logger.Warnw("failed to write audit events", "events", len(events), "error", err)
		s.mu.Lock()
		if room := s.maxBuffer - len(s.buf); room > 0 {
			if len(events) > room {
				s.dropped += uint64(len(events) - room)
				events = events[:room]
			}
			s.buf = append(events, s.buf...)
		} else {
			s.dropped += uint64(len(events))
		}
		s.mu.Unlock()
		return
	}
	s.logger.Debugw("wrote audit events", "events", len(events))
}

// Dropped returns how many events were discarded.
func (s *EventSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes what is buffered and stops the flush loop.
func (s *EventSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}
