package storage

import (
	"errors"
	"time"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/logger"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination when fetching calls.
type ListOptions struct {
	Search string
	Method string
	Stage  string
	Limit  int
	Offset int
}

// CallRecord is one dispatched call as journaled.
type CallRecord struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	Stage       string        `json:"stage"`
	MatchKind   string        `json:"match_kind,omitempty"`
	Kind        string        `json:"kind,omitempty"`
	Status      int           `json:"status"`
	Bytes       int64         `json:"bytes"`
	Latency     time.Duration `json:"latency"`
	RemoteAddr  string        `json:"remote_addr,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	StoragePath string        `json:"storage_path,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// SessionRecord is one replayed socket session.
type SessionRecord struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	State          string    `json:"state"`
	FramesSent     int       `json:"frames_sent"`
	FramesReceived int       `json:"frames_received"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Stats summarises the journal.
type Stats struct {
	Total    int            `json:"total"`
	Errors   int            `json:"errors"`
	Bytes    int64          `json:"bytes"`
	ByStage  map[string]int `json:"by_stage"`
	Sessions int            `json:"sessions"`
}

// Store defines the persistence contract for the replay journal.
type Store interface {
	Record(*CallRecord) (*CallRecord, error)
	List(ListOptions) ([]*CallRecord, int, error)
	Iterate(ListOptions, func(*CallRecord) bool) error
	Snapshot() ([]*CallRecord, error)
	Get(string) (*CallRecord, error)
	Stats() (*Stats, error)

	RecordSession(*SessionRecord) error
	Sessions(limit int) ([]*SessionRecord, error)

	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	if !cfg.Enable {
		return newMemoryStore(cfg.MaxRecords), nil
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	case "memory":
		return newMemoryStore(cfg.MaxRecords), nil
	default:
		return nil, ErrUnsupportedDriver
	}
}
