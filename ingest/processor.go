package ingest

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viktsys/optionscan/logger"
	"github.com/viktsys/optionscan/models"
)

const (
	DefaultBatchSize   = 2000
	DefaultWorkerCount = 8
	DefaultBufferSize  = 64
)

var gzipMagic = []byte{0x1f, 0x8b}

// ReaderConfig sizes the batch pipeline used for bulk files.
type ReaderConfig struct {
	BatchSize  int `yaml:"batch_size"`
	Workers    int `yaml:"workers"`
	BufferSize int `yaml:"buffer_size"`
}

func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		BatchSize:  DefaultBatchSize,
		Workers:    DefaultWorkerCount,
		BufferSize: DefaultBufferSize,
	}
}

// ProcessStats counts what one pass read, kept and skipped.
type ProcessStats struct {
	RowsRead  int64
	Processed int64
	Skipped   int64
}

// Processor parses bulk day-aggregate files in parallel batches.
// Malformed rows are skipped and counted; they never fail the file.
type Processor struct {
	parser *Parser
	cfg    ReaderConfig
	log    *logger.Entry

	rowsRead      int64
	processedRows int64
	skippedRows   int64
}

func NewProcessor(parser *Parser, cfg ReaderConfig, log *logger.Log) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Processor{parser: parser, cfg: cfg, log: log.WithComponent("ingest")}
}

func (p *Processor) Stats() ProcessStats {
	return ProcessStats{
		RowsRead:  atomic.LoadInt64(&p.rowsRead),
		Processed: atomic.LoadInt64(&p.processedRows),
		Skipped:   atomic.LoadInt64(&p.skippedRows),
	}
}

// ProcessFile parses a bulk file from disk, gzip compressed or not.
func (p *Processor) ProcessFile(ctx context.Context, filename string) ([]models.ContractSnapshot, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return p.ProcessReader(ctx, file)
}

// ProcessReader parses a bulk CSV stream. The header row names the columns;
// only ticker and volume are required.
func (p *Processor) ProcessReader(ctx context.Context, r io.Reader) ([]models.ContractSnapshot, error) {
	start := time.Now()
	src, err := maybeGunzip(r)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordChan := make(chan []models.RawContractRecord, p.cfg.BufferSize)
	resultChan := make(chan []models.ContractSnapshot, p.cfg.Workers)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, recordChan, resultChan, &wg)
	}

	go func() {
		defer close(recordChan)

		batch := make([]models.RawContractRecord, 0, p.cfg.BatchSize)
		batchCount := 0
		send := func() bool {
			batchCopy := make([]models.RawContractRecord, len(batch))
			copy(batchCopy, batch)
			select {
			case recordChan <- batchCopy:
				batchCount++
				batch = batch[:0]
				return true
			case <-ctx.Done():
				return false
			}
		}

		line := 1
		for {
			record, err := reader.Read()
			if err == io.EOF {
				break
			}
			line++
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					atomic.AddInt64(&p.rowsRead, 1)
					atomic.AddInt64(&p.skippedRows, 1)
					p.log.WithError(err).Debugf("skipping unreadable line %d", line)
					continue
				}
				readErr <- fmt.Errorf("failed to read line %d: %w", line, err)
				return
			}
			atomic.AddInt64(&p.rowsRead, 1)

			batch = append(batch, cols.record(record))
			if len(batch) >= p.cfg.BatchSize && !send() {
				return
			}
		}

		if len(batch) > 0 && !send() {
			return
		}
		p.log.Debugf("sent %d batches for processing", batchCount)
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var snapshots []models.ContractSnapshot
	for part := range resultChan {
		snapshots = append(snapshots, part...)
	}

	select {
	case err := <-readErr:
		return nil, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := p.Stats()
	logger.LogPerformance(p.log, "parse_bulk", time.Since(start), logger.Fields{
		"rows_read": stats.RowsRead,
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
	})
	return snapshots, nil
}

// ProcessRecords parses already split records, such as API results.
func (p *Processor) ProcessRecords(records []models.RawContractRecord) []models.ContractSnapshot {
	atomic.AddInt64(&p.rowsRead, int64(len(records)))
	return p.processBatch(records)
}

func (p *Processor) worker(ctx context.Context, recordChan <-chan []models.RawContractRecord, resultChan chan<- []models.ContractSnapshot, wg *sync.WaitGroup) {
	defer wg.Done()

	var parsed []models.ContractSnapshot
	defer func() {
		if len(parsed) > 0 {
			resultChan <- parsed
		}
	}()

	for {
		select {
		case batch, ok := <-recordChan:
			if !ok {
				return
			}
			parsed = append(parsed, p.processBatch(batch)...)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) processBatch(records []models.RawContractRecord) []models.ContractSnapshot {
	if len(records) == 0 {
		return nil
	}

	snapshots := make([]models.ContractSnapshot, 0, len(records))
	var skipped int64
	for _, record := range records {
		snap, err := p.parser.Parse(record)
		if err != nil {
			skipped++
			p.log.WithError(err).Debug("skipping malformed record")
			continue
		}
		snapshots = append(snapshots, snap)
	}

	atomic.AddInt64(&p.skippedRows, skipped)
	atomic.AddInt64(&p.processedRows, int64(len(snapshots)))
	return snapshots
}

func maybeGunzip(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if len(magic) == 2 && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, nil
	}
	return br, nil
}

type columns struct {
	ticker, volume, openInterest int
}

func mapColumns(header []string) (columns, error) {
	cols := columns{ticker: -1, volume: -1, openInterest: -1}
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "ticker":
			cols.ticker = i
		case "volume":
			cols.volume = i
		case "open_interest":
			cols.openInterest = i
		}
	}
	if cols.ticker < 0 || cols.volume < 0 {
		return cols, fmt.Errorf("bulk header %v lacks ticker/volume columns", header)
	}
	return cols, nil
}

func (c columns) record(row []string) models.RawContractRecord {
	field := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	rec := models.RawContractRecord{
		Ticker: field(c.ticker),
		Volume: field(c.volume),
	}
	if c.openInterest >= 0 {
		rec.OpenInterest = field(c.openInterest)
	}
	return rec
}
