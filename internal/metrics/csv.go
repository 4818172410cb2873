package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

var header = []string{
	"timestamp",
	"run_id",
	"node_id",
	"address",
	"sent",
	"received",
	"loss_pct",
	"min_rtt_ms",
	"avg_rtt_ms",
	"max_rtt_ms",
	"jitter_ms",
	"nat_type",
	"public_addr",
}

// WriteCSV writes metrics to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.Metric) error {
	return writeCSV(w, items, true)
}

// AppendCSV appends rows to path, writing the header only when the file is new.
func AppendCSV(path string, items []model.Metric) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	writeHeader := false
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		writeHeader = true
	case err != nil:
		return err
	case info.Size() == 0:
		writeHeader = true
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	return writeCSV(file, items, writeHeader)
}

func writeCSV(w io.Writer, items []model.Metric, withHeader bool) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if withHeader {
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, m := range items {
		record := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.RunID,
			m.NodeID,
			m.Address,
			strconv.Itoa(m.Sent),
			strconv.Itoa(m.Received),
			strconv.FormatFloat(m.LossPct, 'f', 3, 64),
			strconv.FormatFloat(m.MinRTTMs, 'f', 3, 64),
			strconv.FormatFloat(m.AvgRTTMs, 'f', 3, 64),
			strconv.FormatFloat(m.MaxRTTMs, 'f', 3, 64),
			strconv.FormatFloat(m.JitterMs, 'f', 3, 64),
			m.NATType,
			m.PublicAddr,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
