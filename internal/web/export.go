package web

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funnyzak/replaytap/internal/storage"
)

// CallIterator yields journaled calls until yield returns false.
type CallIterator func(yield func(*storage.CallRecord) bool)

var csvHeader = []string{
	"id", "timestamp", "method", "url", "stage", "match_kind", "kind",
	"status", "bytes", "latency_us", "remote_addr", "user_agent", "storage_path", "error",
}

// StreamExport writes calls to w in the requested format and returns the
// content type and file extension.
func StreamExport(w io.Writer, iter CallIterator, format string) (string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		return "application/json", "json", streamJSON(w, iter)
	case "csv":
		return "text/csv", "csv", streamCSV(w, iter)
	default:
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

func streamJSON(w io.Writer, iter CallIterator) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	var writeErr error
	iter(func(rec *storage.CallRecord) bool {
		buf, err := json.Marshal(rec)
		if err != nil {
			writeErr = err
			return false
		}
		if !first {
			if _, writeErr = io.WriteString(w, ","); writeErr != nil {
				return false
			}
		}
		first = false
		_, writeErr = w.Write(buf)
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	_, err := io.WriteString(w, "]\n")
	return err
}

func streamCSV(w io.Writer, iter CallIterator) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	var writeErr error
	iter(func(rec *storage.CallRecord) bool {
		writeErr = writer.Write([]string{
			rec.ID,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.Method,
			rec.URL,
			rec.Stage,
			rec.MatchKind,
			rec.Kind,
			strconv.Itoa(rec.Status),
			strconv.FormatInt(rec.Bytes, 10),
			strconv.FormatInt(rec.Latency.Microseconds(), 10),
			rec.RemoteAddr,
			rec.UserAgent,
			rec.StoragePath,
			rec.Error,
		})
		return writeErr == nil
	})
	if writeErr != nil {
		return writeErr
	}
	writer.Flush()
	return writer.Error()
}

// AllowedFormats normalizes configured export formats.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}
