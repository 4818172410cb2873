package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

// ReadCSV loads metrics from a CSV file.
func ReadCSV(path string) ([]model.Metric, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.Metric, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.Metric, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		sent, _ := strconv.Atoi(rec[4])
		received, _ := strconv.Atoi(rec[5])
		loss, _ := strconv.ParseFloat(rec[6], 64)
		minRTT, _ := strconv.ParseFloat(rec[7], 64)
		avgRTT, _ := strconv.ParseFloat(rec[8], 64)
		maxRTT, _ := strconv.ParseFloat(rec[9], 64)
		jitter, _ := strconv.ParseFloat(rec[10], 64)
		items = append(items, model.Metric{
			Timestamp:  ts,
			RunID:      rec[1],
			NodeID:     rec[2],
			Address:    rec[3],
			Sent:       sent,
			Received:   received,
			LossPct:    loss,
			MinRTTMs:   minRTT,
			AvgRTTMs:   avgRTT,
			MaxRTTMs:   maxRTT,
			JitterMs:   jitter,
			NATType:    rec[11],
			PublicAddr: rec[12],
		})
	}

	return items, nil
}
