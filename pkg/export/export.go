// Package export writes the decision history in JSON or CSV.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kilianp07/homeenergy/core/history"
	"github.com/kilianp07/homeenergy/core/model"
)

// WriteJSON writes the records to w as a JSON array.
func WriteJSON(w io.Writer, records []history.LogRecord) error {
	if records == nil {
		records = []history.LogRecord{}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(records)
}

// WriteCSV writes one row per record. Directive lists are joined with ";".
func WriteCSV(w io.Writer, records []history.LogRecord) error {
	cw := csv.NewWriter(w)
	header := []string{"timestamp", "trigger", "threshold_kw", "load_before_kw", "load_after_kw", "shed", "skipped", "unreachable", "errors"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		rec := []string{
			r.Timestamp.Format(time.RFC3339),
			r.Trigger,
			formatKw(r.ThresholdKw),
			formatKw(r.LoadBeforeKw),
			formatKw(r.LoadAfterKw),
			joinIDs(r.Applied),
			joinIDs(r.Skipped),
			strconv.FormatBool(r.Unreachable),
			strings.Join(r.Errors, ";"),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Write dispatches on format: "json" or "csv".
func Write(w io.Writer, format string, records []history.LogRecord) error {
	switch strings.ToLower(format) {
	case "", "json":
		return WriteJSON(w, records)
	case "csv":
		return WriteCSV(w, records)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

func formatKw(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinIDs(ds []model.Directive) string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.ApplianceID
	}
	return strings.Join(ids, ";")
}
