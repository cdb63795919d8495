package dispatcher

import (
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/pkg/request"
)

// Stage names the branch that answered a call.
type Stage string

const (
	StagePreflight   Stage = "preflight"
	StageNoise       Stage = "noise"
	StageMockExact   Stage = "mock_exact"
	StageMockLoose   Stage = "mock_loose"
	StageAsset       Stage = "asset"
	StagePassthrough Stage = "passthrough"
	StageEmpty       Stage = "empty"
)

// Stages lists every stage in dispatch order.
var Stages = []Stage{
	StagePreflight, StageNoise, StageMockExact, StageMockLoose,
	StageAsset, StagePassthrough, StageEmpty,
}

// State is a step of the per-call lifecycle.
type State int

const (
	Received State = iota
	Classified
	Resolved
	Responded
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Classified:
		return "classified"
	case Resolved:
		return "resolved"
	case Responded:
		return "responded"
	default:
		return "unknown"
	}
}

// Result is the outcome of one dispatched call.
type Result struct {
	Response    *request.Response
	Stage       Stage
	Match       index.MatchKind
	Kind        classify.Kind
	StoragePath string
	Trace       []State
	Err         error
}

// advance moves the trace forward to s, filling skipped states.
func (r *Result) advance(s State) {
	last := Received
	if n := len(r.Trace); n > 0 {
		last = r.Trace[n-1]
	} else {
		r.Trace = append(r.Trace, Received)
	}
	for next := last + 1; next <= s; next++ {
		r.Trace = append(r.Trace, next)
	}
}

// Terminal reports whether the call reached Responded.
func (r *Result) Terminal() bool {
	n := len(r.Trace)
	return n > 0 && r.Trace[n-1] == Responded
}
