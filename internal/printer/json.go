package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

// JSONPrinter writes one JSON document per line.
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON line printer on stdout.
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer.
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	p.mu.Lock()
	p.out = w
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonCallEnvelope struct {
	Type      string              `json:"type"`
	Seq       uint64              `json:"seq"`
	Call      *storage.CallRecord `json:"call"`
	LatencyMS float64             `json:"latency_ms"`
}

type jsonSessionEnvelope struct {
	Type    string                 `json:"type"`
	Session *storage.SessionRecord `json:"session"`
}

// PrintCall writes a call line.
func (p *JSONPrinter) PrintCall(rec *storage.CallRecord) error {
	return p.encode(jsonCallEnvelope{
		Type:      "call",
		Seq:       nextCallNumber(),
		Call:      rec,
		LatencyMS: float64(rec.Latency.Microseconds()) / 1000,
	})
}

// PrintSession writes a socket session line.
func (p *JSONPrinter) PrintSession(rec *storage.SessionRecord) error {
	return p.encode(jsonSessionEnvelope{Type: "socket_session", Session: rec})
}

func (p *JSONPrinter) encode(v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(v); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode JSON output", "error", err)
		}
		return err
	}
	return nil
}
