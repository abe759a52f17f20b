// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

var mysqlTracer = otel.Tracer("aleutian.warehouse.mysql")

const (
	// DefaultAvgRowBytes converts EXPLAIN row estimates into bytes.
	DefaultAvgRowBytes = 256

	mysqlErrParse          = 1064
	mysqlErrEmptyQuery     = 1065
	mysqlErrSyntaxReserved = 1149
)

// MySQLConfig configures the MySQL-protocol adapter.
type MySQLConfig struct {
	// DSN in go-sql-driver format, e.g. "user:pass@tcp(doris:9030)/ecommerce".
	DSN string
	// AvgRowBytes scales EXPLAIN row counts into a byte estimate.
	AvgRowBytes  int64
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	Retry        retry.Policy
}

// MySQLWarehouse implements Warehouse over database/sql with the MySQL driver.
type MySQLWarehouse struct {
	db  *sql.DB
	cfg MySQLConfig
}

var _ Warehouse = (*MySQLWarehouse)(nil)

// NewMySQL opens a pool and pings the server.
func NewMySQL(ctx context.Context, cfg MySQLConfig) (*MySQLWarehouse, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	dsn.ParseTime = true
	if dsn.Timeout == 0 {
		dsn.Timeout = 10 * time.Second
	}

	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLife > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLife)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach mysql at %s: %w", dsn.Addr, err)
	}
	if cfg.AvgRowBytes <= 0 {
		cfg.AvgRowBytes = DefaultAvgRowBytes
	}
	slog.Info("Connected to MySQL-protocol warehouse", "addr", dsn.Addr, "db", dsn.DBName)
	return &MySQLWarehouse{db: db, cfg: cfg}, nil
}

// DryRun runs EXPLAIN and converts the summed row estimate into bytes.
func (w *MySQLWarehouse) DryRun(ctx context.Context, query string) (*datatypes.DryRunResult, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQLWarehouse.DryRun")
	defer span.End()

	res, err := retry.Do(ctx, w.cfg.Retry, "mysql.explain", func(ctx context.Context) (*datatypes.DryRunResult, error) {
		rows, err := w.db.QueryContext(ctx, "EXPLAIN "+query)
		if err != nil {
			return nil, classifyMySQLError(err)
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		rowsIdx := -1
		for i, c := range cols {
			if strings.EqualFold(c, "rows") {
				rowsIdx = i
			}
		}

		var estimated int64
		for rows.Next() {
			vals, err := scanRow(rows, len(cols))
			if err != nil {
				return nil, err
			}
			if rowsIdx >= 0 {
				estimated += toInt64(vals[rowsIdx])
			}
		}
		if err := rows.Err(); err != nil {
			return nil, classifyMySQLError(err)
		}
		return &datatypes.DryRunResult{BytesProcessed: estimated * w.cfg.AvgRowBytes}, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "explain failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("bytes_processed", res.BytesProcessed))
	return res, nil
}

// Execute runs the query and reads up to maxRows rows.
func (w *MySQLWarehouse) Execute(ctx context.Context, query string, maxRows int) (*datatypes.QueryResult, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQLWarehouse.Execute")
	defer span.End()

	start := time.Now()
	rows, err := retry.Do(ctx, w.cfg.Retry, "mysql.query", func(ctx context.Context) (*sql.Rows, error) {
		rows, err := w.db.QueryContext(ctx, query)
		if err != nil {
			return nil, classifyMySQLError(err)
		}
		return rows, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &datatypes.QueryResult{Columns: cols, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		vals, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", classifyMySQLError(err))
	}

	result.TotalRows = len(result.Rows)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("rows", len(result.Rows)))
	return result, nil
}

// Close closes the pool.
func (w *MySQLWarehouse) Close() error {
	return w.db.Close()
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	case []byte:
		n, _ := strconv.ParseInt(string(x), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

// classifyMySQLError wraps parser errors as syntax errors and marks every
// server-side error as permanent. Connection-level errors stay retryable.
func classifyMySQLError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrParse, mysqlErrEmptyQuery, mysqlErrSyntaxReserved:
			return retry.Permanent(&syntaxError{cause: err})
		}
		if strings.Contains(strings.ToLower(myErr.Message), "syntax error") {
			return retry.Permanent(&syntaxError{cause: err})
		}
		return retry.Permanent(err)
	}
	return err
}
