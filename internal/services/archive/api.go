package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

// HistoryReader is the read side of the archive.
type HistoryReader interface {
	ReadLast(ctx context.Context, n int) ([]model.HistoryRecord, error)
}

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

type historyQueryParams struct {
	Limit     int
	TimeoutMS int
	Format    string
}

func parseHistory(r *http.Request, defLim int) historyQueryParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return historyQueryParams{
		Limit:     get("limit", defLim, 1, MaxLimit),
		TimeoutMS: get("timeout_ms", 2000, 200, 5000),
		Format:    strings.ToLower(strings.TrimSpace(q.Get("format"))),
	}
}

// GET /api/history?limit=20
// Returns the last records oldest first. When the archive is unreachable
// the body is an empty array and X-Error is set.
func NewHistoryHandler(reader HistoryReader, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseHistory(r, DefaultLimit)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()

		recs, err := reader.ReadLast(ctx, p.Limit)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err != nil {
			logger.Printf("archive: history read failed: %v", err)
			w.Header().Set("X-Error", "archive-unavailable")
			_, _ = w.Write([]byte("[]"))
			return
		}
		if recs == nil {
			recs = []model.HistoryRecord{}
		}
		_ = json.NewEncoder(w).Encode(recs)
	})
}

// GET /api/history/export?format=csv|xlsx&limit=N
func NewExportHandler(reader HistoryReader, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseHistory(r, MaxLimit)
		if p.Format == "" {
			p.Format = "csv"
		}
		if p.Format != "csv" && p.Format != "xlsx" {
			http.Error(w, "format must be csv or xlsx", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()

		recs, err := reader.ReadLast(ctx, p.Limit)
		if err != nil {
			logger.Printf("archive: export read failed: %v", err)
			http.Error(w, "history unavailable", http.StatusServiceUnavailable)
			return
		}

		filename := fmt.Sprintf("aviary-history-%s.%s", time.Now().UTC().Format("20060102-150405"), p.Format)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		switch p.Format {
		case "xlsx":
			w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
			err = WriteXLSX(w, recs)
		default:
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			err = WriteCSV(w, recs)
		}
		if err != nil {
			logger.Printf("archive: export write failed: %v", err)
		}
	})
}
