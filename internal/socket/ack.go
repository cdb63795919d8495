package socket

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/config"
)

// AckRule answers an outbound frame whose payload matches Match.
type AckRule struct {
	Match  *regexp.Regexp
	Reply  []byte
	Opcode int
	Delay  time.Duration
}

// HeartbeatRules answers anything resembling a ping with a pong.
func HeartbeatRules() []AckRule {
	return []AckRule{{
		Match:  regexp.MustCompile(`(?i)ping`),
		Reply:  []byte("pong"),
		Opcode: capture.OpText,
		Delay:  50 * time.Millisecond,
	}}
}

// CompileAckRules turns a named profile plus explicit rules into AckRules.
// Explicit rules are consulted before the profile.
func CompileAckRules(profile string, cfgs []config.AckRuleConfig) ([]AckRule, error) {
	var rules []AckRule
	for i, c := range cfgs {
		re, err := regexp.Compile(c.Match)
		if err != nil {
			return nil, fmt.Errorf("ack rule %d: %w", i+1, err)
		}
		op := capture.OpText
		if c.Binary {
			op = capture.OpBinary
		}
		rules = append(rules, AckRule{Match: re, Reply: []byte(c.Reply), Opcode: op, Delay: c.Delay})
	}

	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "none":
	case "heartbeat":
		rules = append(rules, HeartbeatRules()...)
	default:
		return nil, fmt.Errorf("unknown ack profile %q", profile)
	}
	return rules, nil
}

func matchAck(rules []AckRule, payload []byte) (AckRule, bool) {
	for _, r := range rules {
		if r.Match != nil && r.Match.Match(payload) {
			return r, true
		}
	}
	return AckRule{}, false
}
