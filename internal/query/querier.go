package query

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"Go2NetGuard/internal/storage"
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 10000
)

// Querier reads audit and flow history.
type Querier interface {
	EventSummary(ctx context.Context, req SummaryRequest) ([]KindCount, error)
	Events(ctx context.Context, req EventsRequest) ([]model.Event, error)
	TraceFlow(ctx context.Context, req TraceRequest) (*FlowLifecycle, error)
}

type SummaryRequest struct {
	Since time.Time `json:"since,omitzero"`
	Until time.Time `json:"until,omitzero"`
	Slice string    `json:"slice,omitempty"`
}

type KindCount struct {
	Kind   string `json:"kind"`
	Action string `json:"action,omitempty"`
	Count  uint64 `json:"count"`
}

type EventsRequest struct {
	Source string    `json:"source,omitempty"`
	Slice  string    `json:"slice,omitempty"`
	Kinds  []string  `json:"kinds,omitempty"`
	Since  time.Time `json:"since,omitzero"`
	Limit  int       `json:"limit,omitempty"`
}

type TraceRequest struct {
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"`
	Until       time.Time `json:"until,omitzero"`
}

// FlowLifecycle summarizes every snapshot of one source (and optionally one
// destination).
type FlowLifecycle struct {
	FirstSeen           time.Time `json:"first_seen"`
	LastSeen            time.Time `json:"last_seen"`
	TotalPackets        uint64    `json:"total_packets"`
	TotalBytes          uint64    `json:"total_bytes"`
	PeakPacketsPerSec   float64   `json:"peak_packets_per_second"`
	PeakUniqueDstPorts  uint32    `json:"peak_unique_dst_ports"`
	Snapshots           uint64    `json:"snapshots"`
	MitigationsRecorded uint64    `json:"mitigations_recorded"`
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := storage.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

func buildSummaryQuery(req SummaryRequest) (string, []any) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT Kind, Action, count() AS Events
		FROM guard_events
	`)
	var whereClauses []string
	args := []any{}
	if !req.Since.IsZero() {
		whereClauses = append(whereClauses, "Time >= ?")
		args = append(args, req.Since)
	}
	if !req.Until.IsZero() {
		whereClauses = append(whereClauses, "Time <= ?")
		args = append(args, req.Until)
	}
	if req.Slice != "" {
		whereClauses = append(whereClauses, "Slice = ?")
		args = append(args, req.Slice)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	queryBuilder.WriteString(" GROUP BY Kind, Action ORDER BY Kind, Action")
	return queryBuilder.String(), args
}

// EventSummary counts audit events by kind and action.
func (q *clickhouseQuerier) EventSummary(ctx context.Context, req SummaryRequest) ([]KindCount, error) {
	query, args := buildSummaryQuery(req)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.Kind, &kc.Action, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, kc)
	}
	return out, rows.Err()
}

func buildEventsQuery(req EventsRequest) (string, []any, error) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT ID, Time, Kind, Source, Slice, Action, Detail
		FROM guard_events
	`)
	var whereClauses []string
	args := []any{}
	if req.Source != "" {
		addr, err := netip.ParseAddr(req.Source)
		if err != nil {
			return "", nil, errors.Wrapf(err, errors.KindValidation, "invalid source %q", req.Source)
		}
		whereClauses = append(whereClauses, "Source = ?")
		args = append(args, addr.Unmap().String())
	}
	if req.Slice != "" {
		whereClauses = append(whereClauses, "Slice = ?")
		args = append(args, req.Slice)
	}
	if len(req.Kinds) > 0 {
		whereClauses = append(whereClauses, "Kind IN ?")
		args = append(args, req.Kinds)
	}
	if !req.Since.IsZero() {
		whereClauses = append(whereClauses, "Time >= ?")
		args = append(args, req.Since)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		return "", nil, errors.Errorf(errors.KindValidation, "limit %d exceeds %d", limit, maxEventLimit)
	}
	fmt.Fprintf(&queryBuilder, " ORDER BY Time DESC LIMIT %d", limit)
	return queryBuilder.String(), args, nil
}

// Events lists audit events, newest first.
func (q *clickhouseQuerier) Events(ctx context.Context, req EventsRequest) ([]model.Event, error) {
	query, args, err := buildEventsQuery(req)
	if err != nil {
		return nil, err
	}
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			ev           model.Event
			id           uuid.UUID
			kind, action string
		)
		if err := rows.Scan(&id, &ev.Time, &kind, &ev.Source, &ev.Slice, &action, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.ID = id
		ev.Kind = model.EventKind(kind)
		ev.Action = model.Action(action)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func buildTraceQuery(req TraceRequest) (string, []any, error) {
	src, err := netip.ParseAddr(req.Source)
	if err != nil {
		return "", nil, errors.Wrapf(err, errors.KindValidation, "invalid source %q", req.Source)
	}
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			min(FirstSeen) AS FirstSeen,
			max(LastSeen) AS LastSeen,
			max(PacketCount) AS TotalPackets,
			max(ByteCount) AS TotalBytes,
			max(PacketsPerSecond) AS PeakPPS,
			max(UniqueDstPorts) AS PeakDstPorts,
			count() AS Snapshots
		FROM flow_snapshots
	`)
	whereClauses := []string{"SrcIP = ?"}
	args := []any{src.Unmap().String()}
	if req.Destination != "" {
		dst, err := netip.ParseAddr(req.Destination)
		if err != nil {
			return "", nil, errors.Wrapf(err, errors.KindValidation, "invalid destination %q", req.Destination)
		}
		whereClauses = append(whereClauses, "DstIP = ?")
		args = append(args, dst.Unmap().String())
	}
	if !req.Until.IsZero() {
		whereClauses = append(whereClauses, "Timestamp <= ?")
		args = append(args, req.Until)
	}
	queryBuilder.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	return queryBuilder.String(), args, nil
}

// TraceFlow executes a query to trace the lifecycle of a single source.
func (q *clickhouseQuerier) TraceFlow(ctx context.Context, req TraceRequest) (*FlowLifecycle, error) {
	query, args, err := buildTraceQuery(req)
	if err != nil {
		return nil, err
	}
	var result FlowLifecycle
	row := q.conn.QueryRow(ctx, query, args...)
	if err := row.Scan(&result.FirstSeen, &result.LastSeen, &result.TotalPackets, &result.TotalBytes,
		&result.PeakPacketsPerSec, &result.PeakUniqueDstPorts, &result.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to scan flow lifecycle result: %w", err)
	}
	if result.Snapshots == 0 {
		return nil, errors.Attr(errors.Errorf(errors.KindNotFound, "no snapshots for %s", req.Source), "source", req.Source)
	}

	row = q.conn.QueryRow(ctx,
		"SELECT count() FROM guard_events WHERE Source = ? AND Kind IN ('mitigation_applied', 'mitigation_replaced')",
		args[0])
	if err := row.Scan(&result.MitigationsRecorded); err != nil {
		return nil, fmt.Errorf("failed to count mitigations: %w", err)
	}
	return &result, nil
}
