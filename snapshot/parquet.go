package snapshot

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/viktsys/optionscan/models"
)

type aggregateRow struct {
	Symbol              string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date                string   `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank                int32    `parquet:"name=rank, type=INT32"`
	CallVolume          int64    `parquet:"name=call_volume, type=INT64"`
	PutVolume           int64    `parquet:"name=put_volume, type=INT64"`
	TotalVolume         int64    `parquet:"name=total_volume, type=INT64"`
	PutCallVolumeRatio  *float64 `parquet:"name=put_call_volume_ratio, type=DOUBLE, repetitiontype=OPTIONAL"`
	TotalOI             *int64   `parquet:"name=total_oi, type=INT64, repetitiontype=OPTIONAL"`
	PutCallOIRatio      *float64 `parquet:"name=put_call_oi_ratio, type=DOUBLE, repetitiontype=OPTIONAL"`
	StrikeConcentration *float64 `parquet:"name=strike_concentration, type=DOUBLE, repetitiontype=OPTIONAL"`
	LeapCallPutRatio    *float64 `parquet:"name=leap_call_put_ratio, type=DOUBLE, repetitiontype=OPTIONAL"`
	Appearances         int32    `parquet:"name=appearances, type=INT32"`
	VolumeMean          *float64 `parquet:"name=volume_mean, type=DOUBLE, repetitiontype=OPTIONAL"`
	VolumeStdDev        *float64 `parquet:"name=volume_stddev, type=DOUBLE, repetitiontype=OPTIONAL"`
	InsufficientHistory bool     `parquet:"name=insufficient_history, type=BOOLEAN"`
	Trend               string   `parquet:"name=trend, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func floatPtr(n models.NullFloat) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float
	return &v
}

func toRow(a models.EnrichedAggregate) aggregateRow {
	row := aggregateRow{
		Symbol:              a.Symbol,
		Date:                a.Date.String(),
		Rank:                int32(a.History.Rank),
		CallVolume:          a.CallVolume,
		PutVolume:           a.PutVolume,
		TotalVolume:         a.TotalVolume,
		PutCallVolumeRatio:  floatPtr(a.PutCallVolumeRatio),
		LeapCallPutRatio:    floatPtr(a.LeapCallPutRatio),
		Appearances:         int32(a.History.Appearances),
		VolumeMean:          floatPtr(a.History.VolumeMean),
		VolumeStdDev:        floatPtr(a.History.VolumeStdDev),
		InsufficientHistory: a.History.InsufficientHistory,
		Trend:               string(a.History.Trend),
	}
	if oi := a.OpenInterest; oi != nil {
		total := oi.Total
		row.TotalOI = &total
		row.PutCallOIRatio = floatPtr(oi.PutCallRatio)
		if oi.StrikeConcentration != nil {
			row.StrikeConcentration = floatPtr(oi.StrikeConcentration.Share)
		}
	}
	return row
}

// ExportParquet writes the snapshot's aggregate table as a snappy Parquet
// file beside the JSON snapshot and returns its path.
func (s *Store) ExportParquet(snap *Snapshot) (path string, err error) {
	path = s.ParquetPath(snap.Date)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}
	tmp := path + ".tmp"
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return "", fmt.Errorf("create parquet file: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(aggregateRow), 1)
	if err != nil {
		fw.Close()
		return "", fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, a := range snap.Aggregates {
		if err = pw.Write(toRow(a)); err != nil {
			pw.WriteStop()
			fw.Close()
			return "", fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err = pw.WriteStop(); err != nil {
		fw.Close()
		return "", fmt.Errorf("finalize parquet: %w", err)
	}
	if err = fw.Close(); err != nil {
		return "", fmt.Errorf("close parquet file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return path, nil
}
