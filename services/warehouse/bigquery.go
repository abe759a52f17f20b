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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
	"github.com/AleutianAI/AleutianAnalyst/services/orchestrator/datatypes"
)

var bqTracer = otel.Tracer("aleutian.warehouse.bigquery")

// BigQueryConfig configures the BigQuery adapter.
type BigQueryConfig struct {
	ProjectID string
	// DatasetID is the default dataset for unqualified table names.
	DatasetID string
	Location  string
	// MaxBytesBilled makes BigQuery itself refuse oversized queries.
	MaxBytesBilled int64
	Retry          retry.Policy
	ClientOptions  []option.ClientOption
}

// BigQueryWarehouse implements Warehouse on BigQuery.
type BigQueryWarehouse struct {
	client *bigquery.Client
	cfg    BigQueryConfig
}

var _ Warehouse = (*BigQueryWarehouse)(nil)

// NewBigQuery connects to BigQuery with application default credentials
// unless ClientOptions say otherwise.
func NewBigQuery(ctx context.Context, cfg BigQueryConfig) (*BigQueryWarehouse, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bigquery: project id is required")
	}
	client, err := bigquery.NewClient(ctx, cfg.ProjectID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}
	return &BigQueryWarehouse{client: client, cfg: cfg}, nil
}

func (w *BigQueryWarehouse) query(sql string) *bigquery.Query {
	q := w.client.Query(sql)
	q.DefaultProjectID = w.cfg.ProjectID
	q.DefaultDatasetID = w.cfg.DatasetID
	q.MaxBytesBilled = w.cfg.MaxBytesBilled
	return q
}

// DryRun asks BigQuery to plan the query and report bytes processed.
func (w *BigQueryWarehouse) DryRun(ctx context.Context, sql string) (*datatypes.DryRunResult, error) {
	ctx, span := bqTracer.Start(ctx, "BigQueryWarehouse.DryRun")
	defer span.End()

	res, err := retry.Do(ctx, w.cfg.Retry, "bigquery.dry_run", func(ctx context.Context) (*datatypes.DryRunResult, error) {
		q := w.query(sql)
		q.DryRun = true
		job, err := q.Run(ctx)
		if err != nil {
			return nil, classifyBigQueryError(err)
		}
		status := job.LastStatus()
		if status == nil || status.Statistics == nil {
			return nil, retry.Permanent(errors.New("bigquery dry run returned no statistics"))
		}
		if err := status.Err(); err != nil {
			return nil, classifyBigQueryError(err)
		}
		out := &datatypes.DryRunResult{BytesProcessed: status.Statistics.TotalBytesProcessed}
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			out.Schema = schemaColumns(qs.Schema)
		}
		return out, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dry run failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("bytes_processed", res.BytesProcessed))
	return res, nil
}

// Execute runs the query and reads up to maxRows rows.
func (w *BigQueryWarehouse) Execute(ctx context.Context, sql string, maxRows int) (*datatypes.QueryResult, error) {
	ctx, span := bqTracer.Start(ctx, "BigQueryWarehouse.Execute")
	defer span.End()

	start := time.Now()
	job, err := retry.Do(ctx, w.cfg.Retry, "bigquery.execute", func(ctx context.Context) (*bigquery.Job, error) {
		job, err := w.query(sql).Run(ctx)
		if err != nil {
			return nil, classifyBigQueryError(err)
		}
		return job, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query submission failed")
		return nil, err
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("bigquery job wait failed: %w", classifyBigQueryError(err))
	}
	if err := status.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("bigquery job failed: %w", classifyBigQueryError(err))
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read bigquery results: %w", err)
	}

	result := &datatypes.QueryResult{Columns: make([]string, 0), Rows: make([]map[string]any, 0)}
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate bigquery results: %w", err)
		}
		if len(result.Columns) == 0 {
			for _, f := range it.Schema {
				result.Columns = append(result.Columns, f.Name)
			}
		}
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		result.Rows = append(result.Rows, normalizeRow(row))
	}

	result.TotalRows = int(it.TotalRows)
	if result.TotalRows < len(result.Rows) {
		result.TotalRows = len(result.Rows)
	}
	if status.Statistics != nil {
		result.BytesProcessed = status.Statistics.TotalBytesProcessed
	}
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Int("rows", len(result.Rows)),
		attribute.Int64("bytes_processed", result.BytesProcessed),
	)
	slog.Debug("BigQuery query finished", "rows", len(result.Rows), "bytes", result.BytesProcessed, "ms", result.ExecutionTimeMs)
	return result, nil
}

// Close closes the client.
func (w *BigQueryWarehouse) Close() error {
	return w.client.Close()
}

func normalizeRow(row map[string]bigquery.Value) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = normalizeBigQueryValue(v)
	}
	return out
}

func normalizeBigQueryValue(v bigquery.Value) any {
	switch x := v.(type) {
	case []bigquery.Value:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeBigQueryValue(x[i])
		}
		return out
	case map[string]bigquery.Value:
		return normalizeRow(x)
	default:
		return normalizeValue(x)
	}
}

func schemaColumns(schema bigquery.Schema) []datatypes.Column {
	cols := make([]datatypes.Column, 0, len(schema))
	for _, f := range schema {
		cols = append(cols, datatypes.Column{Name: f.Name, Type: string(f.Type)})
	}
	return cols
}

// classifyBigQueryError marks invalid queries as syntax errors and client
// errors as permanent so they are not retried.
func classifyBigQueryError(err error) error {
	if err == nil {
		return nil
	}
	var bqErr *bigquery.Error
	if errors.As(err, &bqErr) && isInvalidQueryReason(bqErr.Reason) {
		return retry.Permanent(&syntaxError{cause: err})
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		for _, item := range apiErr.Errors {
			if isInvalidQueryReason(item.Reason) {
				return retry.Permanent(&syntaxError{cause: err})
			}
		}
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return err
		}
		return retry.Permanent(err)
	}
	return err
}

func isInvalidQueryReason(reason string) bool {
	return strings.EqualFold(reason, "invalidQuery")
}
