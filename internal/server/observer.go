package server

import (
	"time"

	"github.com/funnyzak/replaytap/internal/dispatcher"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/printer"
	"github.com/funnyzak/replaytap/internal/socket"
	"github.com/funnyzak/replaytap/internal/storage"
	"github.com/funnyzak/replaytap/pkg/request"
)

// CallRecorder receives journaled calls and sessions, e.g. the admin live feed.
type CallRecorder interface {
	Record(*storage.CallRecord)
	RecordSession(*storage.SessionRecord)
}

// observer journals, prints and broadcasts what the dispatcher and the
// socket handler report. It runs off the response path.
type observer struct {
	journal storage.Store
	printer printer.Printer
	feed    CallRecorder
	logger  logger.Logger
}

// callRecord flattens a dispatched call for the journal.
func callRecord(call *request.Call, res *dispatcher.Result, latency time.Duration) *storage.CallRecord {
	rec := &storage.CallRecord{
		ID:          call.ID,
		Timestamp:   call.Timestamp,
		Method:      call.Method,
		URL:         call.URL,
		Stage:       string(res.Stage),
		Kind:        res.Kind.String(),
		Status:      res.Response.Status,
		Bytes:       res.Response.Size(),
		Latency:     latency,
		RemoteAddr:  call.RemoteAddr,
		UserAgent:   call.UserAgent,
		StoragePath: res.StoragePath,
	}
	if res.Match != index.MatchNone {
		rec.MatchKind = res.Match.String()
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

func (o *observer) observeCall(call *request.Call, res *dispatcher.Result, latency time.Duration) {
	rec := callRecord(call, res, latency)

	if o.journal != nil {
		stored, err := o.journal.Record(rec)
		if err != nil {
			o.logger.Error("Failed to journal call", "error", err, "call_id", rec.ID)
		} else {
			rec = stored
		}
	}

	o.logger.Debug("Call dispatched",
		"call_id", rec.ID,
		"method", rec.Method,
		"url", rec.URL,
		"stage", rec.Stage,
		"match", rec.MatchKind,
		"status", rec.Status,
		"latency", rec.Latency,
	)
	if rec.Error != "" {
		o.logger.Warn("Call answered with fallback", "url", rec.URL, "stage", rec.Stage, "error", rec.Error)
	}

	if o.printer != nil {
		if err := o.printer.PrintCall(rec); err != nil {
			o.logger.Error("Failed to print call", "error", err, "call_id", rec.ID)
		}
	}
	if o.feed != nil {
		o.feed.Record(rec)
	}
}

func (o *observer) observeSession(sum socket.Summary) {
	rec := &storage.SessionRecord{
		ID:             sum.ID,
		URL:            sum.URL,
		State:          sum.State,
		FramesSent:     sum.FramesSent,
		FramesReceived: sum.FramesRecv,
		StartedAt:      sum.StartedAt,
		EndedAt:        sum.EndedAt,
	}
	if o.journal != nil {
		if err := o.journal.RecordSession(rec); err != nil {
			o.logger.Error("Failed to journal socket session", "error", err, "session", rec.ID)
		}
	}
	if o.printer != nil {
		if err := o.printer.PrintSession(rec); err != nil {
			o.logger.Error("Failed to print socket session", "error", err, "session", rec.ID)
		}
	}
	if o.feed != nil {
		o.feed.RecordSession(rec)
	}
}
