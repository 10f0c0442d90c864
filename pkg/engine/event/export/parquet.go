// Package export turns a job's event history into Parquet audit files for
// downstream analytics.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/storage"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "event_export"

// AuditRecord is the flattened Parquet row schema for one event.
type AuditRecord struct {
	EventID       string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	JobID         string `parquet:"name=job_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CorrelationID string `parquet:"name=correlation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType     string `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs   int64  `parquet:"name=timestamp_ms, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Sequence      int64  `parquet:"name=sequence, type=INT64"`
	AgentSequence int64  `parquet:"name=agent_sequence, type=INT64"`
	ItemID        string `parquet:"name=item_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Message       string `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayloadJSON   string `parquet:"name=payload_json, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Config controls where and how audit files are written.
type Config struct {
	// OutputBaseDir is the key prefix for exported files within the store.
	OutputBaseDir string `yaml:"output_base_dir"`
	// CompressionType is SNAPPY, GZIP or NONE. Defaults to SNAPPY.
	CompressionType string `yaml:"compression_type"`
}

// Exporter writes a job's events as a Parquet audit file.
type Exporter struct {
	log    event.Log
	store  storage.ByteStore
	config Config
}

// NewExporter creates an audit exporter over the given event log and store.
func NewExporter(log event.Log, store storage.ByteStore, config Config) *Exporter {
	if config.OutputBaseDir == "" {
		config.OutputBaseDir = "audit"
	}
	if config.CompressionType == "" {
		config.CompressionType = "SNAPPY"
	}
	return &Exporter{log: log, store: store, config: config}
}

// ExportJob serializes every event of the job into one Parquet file,
// partitioned Hive-style by export date, and returns the object key.
func (e *Exporter) ExportJob(ctx context.Context, jobID string) (string, error) {
	events, err := e.log.Query(ctx, event.Filter{JobID: jobID})
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", exception.NewValidationError(moduleName, fmt.Sprintf("job '%s' has no events to export", jobID), nil)
	}

	codec, err := compressionCodec(e.config.CompressionType)
	if err != nil {
		return "", exception.NewValidationError(moduleName, fmt.Sprintf("invalid compression type '%s'", e.config.CompressionType), err)
	}

	buf := new(bytes.Buffer)
	// One row group per file: the row group size is the event count.
	pw, err := writer.NewParquetWriterFromWriter(buf, new(AuditRecord), int64(len(events)))
	if err != nil {
		return "", exception.NewEngineError(moduleName, fmt.Sprintf("failed to create Parquet writer for job '%s'", jobID), err, false)
	}
	pw.CompressionType = codec

	var multiErr error
	for i := range events {
		if err := pw.Write(toAuditRecord(&events[i])); err != nil {
			multiErr = multierror.Append(multiErr, exception.NewEngineError(moduleName,
				fmt.Sprintf("failed to write event '%s' to Parquet", events[i].ID), err, false))
		}
	}

	// The library panics on some malformed schemas; convert that to an error.
	func() {
		defer func() {
			if r := recover(); r != nil {
				multiErr = multierror.Append(multiErr, exception.NewEngineError(moduleName,
					fmt.Sprintf("Parquet writer panicked during finalize for job '%s': %v", jobID, r), nil, false))
				logger.Errorf("Audit export for job '%s': recovered from panic during WriteStop: %v", jobID, r)
			}
		}()
		if err := pw.WriteStop(); err != nil {
			multiErr = multierror.Append(multiErr, exception.NewEngineError(moduleName,
				fmt.Sprintf("failed to finalize Parquet file for job '%s'", jobID), err, false))
		}
	}()
	if multiErr != nil {
		return "", multiErr
	}

	fileName := fmt.Sprintf("events_%s_%s.parquet", time.Now().Format("20060102150405"), randomSuffix(8))
	key := path.Join(e.config.OutputBaseDir, "dt="+time.Now().Format("2006-01-02"), jobID, fileName)
	if err := e.store.WriteAtomic(ctx, key, buf.Bytes()); err != nil {
		return "", exception.NewEngineError(moduleName, fmt.Sprintf("failed to upload audit file '%s'", key), err, true)
	}
	logger.Infof("Exported %d events for job '%s' to %s (%d bytes)", len(events), jobID, key, buf.Len())
	return key, nil
}

func toAuditRecord(ev *event.Event) AuditRecord {
	payload := ""
	if len(ev.Payload) > 0 {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = string(data)
		}
	}
	return AuditRecord{
		EventID:       ev.ID,
		JobID:         ev.JobID,
		CorrelationID: ev.CorrelationID,
		EventType:     ev.Type.String(),
		TimestampMs:   ev.Timestamp.UnixMilli(),
		Sequence:      int64(ev.Sequence),
		AgentSequence: int64(ev.AgentSequence),
		ItemID:        ev.ItemID,
		Message:       ev.Message,
		PayloadJSON:   payload,
	}
}

func compressionCodec(compressionType string) (parquet.CompressionCodec, error) {
	switch strings.ToUpper(compressionType) {
	case "SNAPPY":
		return parquet.CompressionCodec_SNAPPY, nil
	case "GZIP":
		return parquet.CompressionCodec_GZIP, nil
	case "NONE", "":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported compression type: %s", compressionType)
	}
}

func randomSuffix(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	seededRand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}
