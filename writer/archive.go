package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "marketpulse/config"
	"marketpulse/logger"
	"marketpulse/models"
)

// LevelRecord is the flattened parquet row: one row per book level per
// accepted snapshot.
type LevelRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Level     int32   `parquet:"name=level, type=INT32"`
}

// memoryFile adapts a bytes.Buffer to the parquet source interface so files
// are assembled in memory before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}
func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// Archiver buffers accepted order book snapshots and uploads them to S3 as
// parquet files, partitioned by exchange, symbol and date. It never blocks
// the pipeline: the keeper drops snapshots when the archive channel is full.
type Archiver struct {
	config       *appconfig.Config
	snapshotChan <-chan models.OrderBookSnapshot
	s3Client     *s3.Client
	ctx          context.Context
	wg           *sync.WaitGroup
	mu           sync.RWMutex
	running      bool
	log          *logger.Log

	buffer      map[string][]LevelRecord
	flushTicker *time.Ticker

	filesWritten int64
	rowsWritten  int64
	errorsCount  int64
}

// NewArchiver configures the AWS SDK and validates credentials up front so a
// misconfigured archiver fails at startup rather than on first flush.
func NewArchiver(cfg *appconfig.Config, snapshotChan <-chan models.OrderBookSnapshot) (*Archiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archiver").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
			o.UsePathStyle = true
		}
	})

	archiver := &Archiver{
		config:       cfg,
		snapshotChan: snapshotChan,
		s3Client:     s3Client,
		wg:           &sync.WaitGroup{},
		log:          log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":   cfg.Storage.S3.Bucket,
		"region":   cfg.Storage.S3.Region,
		"endpoint": cfg.Storage.S3.Endpoint,
	}).Info("archiver initialized")

	return archiver, nil
}

// Start launches the buffering worker and the periodic flush worker.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.buffer = make(map[string][]LevelRecord)
	a.flushTicker = time.NewTicker(a.config.Storage.S3.FlushInterval)
	a.mu.Unlock()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archiver")

	a.wg.Add(1)
	go a.bufferWorker()

	a.wg.Add(1)
	go a.flushWorker()

	go a.metricsReporter(ctx)

	log.Info("archiver started successfully")
	return nil
}

// Stop waits for both workers to finish. The flush worker uploads any
// remaining buffered rows on the way out.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) bufferWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "buffer"})
	log.Info("starting buffer worker")

	for {
		select {
		case <-a.ctx.Done():
			log.Info("buffer worker stopped due to context cancellation")
			return
		case snapshot, ok := <-a.snapshotChan:
			if !ok {
				log.Info("snapshot channel closed, buffer worker stopping")
				return
			}
			a.addSnapshot(snapshot)
		}
	}
}

func (a *Archiver) addSnapshot(snapshot models.OrderBookSnapshot) {
	key := fmt.Sprintf("%s|%s", snapshot.Exchange, snapshot.Symbol)
	rows := flatten(snapshot)

	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], rows...)
	full := len(a.buffer[key]) >= a.config.Storage.S3.BatchSize
	a.mu.Unlock()

	if full {
		a.flushBuffers("batch_size")
	}
}

// flatten turns a snapshot into one row per level, bids before asks, level
// index counted from the top of each side.
func flatten(snapshot models.OrderBookSnapshot) []LevelRecord {
	rows := make([]LevelRecord, 0, len(snapshot.Bids)+len(snapshot.Asks))
	for i, lvl := range snapshot.Bids {
		rows = append(rows, LevelRecord{
			Exchange:  snapshot.Exchange,
			Symbol:    snapshot.Symbol,
			Timestamp: snapshot.Timestamp.UnixMilli(),
			Side:      "bid",
			Price:     lvl.Price,
			Volume:    lvl.Volume,
			Level:     int32(i + 1),
		})
	}
	for i, lvl := range snapshot.Asks {
		rows = append(rows, LevelRecord{
			Exchange:  snapshot.Exchange,
			Symbol:    snapshot.Symbol,
			Timestamp: snapshot.Timestamp.UnixMilli(),
			Side:      "ask",
			Price:     lvl.Price,
			Volume:    lvl.Volume,
			Level:     int32(i + 1),
		})
	}
	return rows
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]LevelRecord)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for _, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		a.uploadRows(rows)
	}
}

func (a *Archiver) uploadRows(rows []LevelRecord) {
	first := rows[0]
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"exchange":  first.Exchange,
		"symbol":    first.Symbol,
		"row_count": len(rows),
		"operation": "upload",
	})

	data, err := a.createParquetFile(rows)
	if err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	key := a.objectKey(first)
	log = log.WithFields(logger.Fields{"s3_key": key})

	if err := a.upload(key, data); err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).WithFields(logger.Fields{"bucket": a.config.Storage.S3.Bucket}).Error("failed to upload to S3")
		return
	}

	atomic.AddInt64(&a.filesWritten, 1)
	atomic.AddInt64(&a.rowsWritten, int64(len(rows)))
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("snapshot batch archived")
	logger.LogDataFlowEntry(log, "archive_channel", "s3", len(rows), "rows")
}

// objectKey partitions uploads by exchange, symbol and date, with a unique
// suffix so concurrent flushes never collide.
func (a *Archiver) objectKey(first LevelRecord) string {
	ts := time.UnixMilli(first.Timestamp).UTC()
	name := fmt.Sprintf("%s_%s_%s_%s.parquet",
		first.Exchange,
		first.Symbol,
		ts.Format("20060102150405"),
		uuid.New().String()[:8])
	return path.Join(
		a.config.Storage.S3.Prefix,
		fmt.Sprintf("exchange=%s", first.Exchange),
		fmt.Sprintf("symbol=%s", first.Symbol),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		name,
	)
}

func (a *Archiver) createParquetFile(rows []LevelRecord) ([]byte, error) {
	fw := newMemoryFile()

	pw, err := parquetwriter.NewParquetWriter(fw, new(LevelRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (a *Archiver) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":        "parquet",
			"marketpulse-version": a.config.Marketpulse.Version,
		},
	}

	// Shutdown flushes still need to complete their upload.
	ctx := context.WithoutCancel(a.ctx)
	_, err := a.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}

func (a *Archiver) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			files := atomic.LoadInt64(&a.filesWritten)
			rows := atomic.LoadInt64(&a.rowsWritten)
			errs := atomic.LoadInt64(&a.errorsCount)

			a.log.WithComponent("archiver").WithFields(logger.Fields{
				"files_written": files,
				"rows_written":  rows,
				"errors_count":  errs,
			}).Info("archiver metrics")
		}
	}
}
