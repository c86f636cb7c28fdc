// Package safety implements the Safety/Interaction Gate (C10): a pure,
// deterministic, priority-ordered rewrite chain applied to every outbound
// text before it reaches a device.
package safety

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RiskLevel mirrors the vision package's classification without importing
// it, keeping the safety gate usable for any text source (task messages,
// TTS preambles, vision replies).
type RiskLevel string

const (
	RiskP0 RiskLevel = "P0"
	RiskP1 RiskLevel = "P1"
	RiskP2 RiskLevel = "P2"
	RiskP3 RiskLevel = "P3"
)

// Context is the input alongside the raw text.
type Context struct {
	SessionID  string
	RiskLevel  RiskLevel
	Confidence float64
	Source     string // "task" | "tts" | "vision" | ...
}

// Result is the rewritten text plus the audit trail of rules applied.
type Result struct {
	Text       string
	Downgraded bool
	RuleIDs    []string
}

// Defaults from spec §4.10.
const (
	DefaultDirectionalConfidenceThreshold = 0.6
	DefaultLowConfidenceThreshold         = 0.4
	DefaultLengthCap                      = 480
	DefaultConflictWindow                 = 10 * time.Second
)

const safetyPreamble = "Please stop and confirm before proceeding: "

var directionalWords = []string{"turn left", "turn right", "go straight", "go forward", "step forward", "move forward", "proceed", "walk ahead"}

// AuditEvent is emitted once per Rewrite call (spec's safety_policy audit
// event).
type AuditEvent struct {
	TraceID    string
	SessionID  string
	Source     string
	Downgraded bool
	RuleIDs    []string
	At         time.Time
}

// OnAudit receives every AuditEvent.
type OnAudit func(AuditEvent)

// Config configures a Gate.
type Config struct {
	DirectionalConfidenceThreshold float64
	LowConfidenceThreshold         float64
	LengthCap                      int
	ConflictWindow                 time.Duration
	OnAudit                        OnAudit
}

func (c Config) withDefaults() Config {
	if c.DirectionalConfidenceThreshold == 0 {
		c.DirectionalConfidenceThreshold = DefaultDirectionalConfidenceThreshold
	}
	if c.LowConfidenceThreshold == 0 {
		c.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	if c.LengthCap == 0 {
		c.LengthCap = DefaultLengthCap
	}
	if c.ConflictWindow == 0 {
		c.ConflictWindow = DefaultConflictWindow
	}
	return c
}

// p0Hint records a recent P0 directional hint for a session, used by the
// conflict-detection rule.
type p0Hint struct {
	text string
	at   time.Time
}

// Gate applies the rule chain. It is stateful only in that it remembers
// recent P0 hints per session for conflict detection; the rewrite itself is
// otherwise a pure function of (text, Context).
type Gate struct {
	cfg Config

	mu    sync.Mutex
	hints map[string]p0Hint
}

// New constructs a Gate.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg.withDefaults(), hints: make(map[string]p0Hint)}
}

// Rewrite runs text through the ordered rule chain and emits an audit
// event.
func (g *Gate) Rewrite(text string, ctx Context) Result {
	res := Result{Text: text}

	if ctx.RiskLevel == RiskP0 {
		res = g.ruleP0(res, ctx)
	} else {
		res = g.ruleConflict(res, ctx)
	}

	if ctx.Confidence > 0 && ctx.Confidence < g.cfg.LowConfidenceThreshold {
		res.Text = softenWording(res.Text)
		res.Downgraded = true
		res.RuleIDs = append(res.RuleIDs, "low_confidence_soften")
	}

	if len(res.Text) > g.cfg.LengthCap {
		res.Text = truncateAtSentence(res.Text, g.cfg.LengthCap)
		res.RuleIDs = append(res.RuleIDs, "length_cap")
	}

	g.audit(res, ctx)
	return res
}

// ruleP0 prepends the safety preamble and suppresses low-confidence
// directional imperatives, and records the hint for conflict detection.
func (g *Gate) ruleP0(res Result, ctx Context) Result {
	if ctx.Confidence < g.cfg.DirectionalConfidenceThreshold && containsDirectional(res.Text) {
		res.Text = stripDirectional(res.Text)
		res.Downgraded = true
		res.RuleIDs = append(res.RuleIDs, "p0_suppress_directional")
	}
	res.Text = safetyPreamble + res.Text
	res.RuleIDs = append(res.RuleIDs, "p0_preamble")

	if ctx.SessionID != "" && containsDirectional(res.Text) {
		g.mu.Lock()
		g.hints[ctx.SessionID] = p0Hint{text: res.Text, at: time.Now()}
		g.mu.Unlock()
	}
	return res
}

// ruleConflict replaces directional commands that contradict a recent P0
// hint for the same session with a safe equivalent.
func (g *Gate) ruleConflict(res Result, ctx Context) Result {
	if ctx.SessionID == "" || !containsDirectional(res.Text) {
		return res
	}
	g.mu.Lock()
	hint, ok := g.hints[ctx.SessionID]
	g.mu.Unlock()
	if !ok || time.Since(hint.at) > g.cfg.ConflictWindow {
		return res
	}
	if directionContradicts(hint.text, res.Text) {
		res.Text = "Please wait — please re-confirm before moving, a caution was just raised."
		res.Downgraded = true
		res.RuleIDs = append(res.RuleIDs, "p0_conflict_override")
	}
	return res
}

func (g *Gate) audit(res Result, ctx Context) {
	if g.cfg.OnAudit == nil {
		return
	}
	g.cfg.OnAudit(AuditEvent{
		TraceID:    uuid.NewString(),
		SessionID:  ctx.SessionID,
		Source:     ctx.Source,
		Downgraded: res.Downgraded,
		RuleIDs:    res.RuleIDs,
		At:         time.Now(),
	})
}

func containsDirectional(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range directionalWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func stripDirectional(text string) string {
	lower := strings.ToLower(text)
	out := text
	for _, w := range directionalWords {
		idx := strings.Index(lower, w)
		if idx < 0 {
			continue
		}
		out = out[:idx] + out[idx+len(w):]
		lower = strings.ToLower(out)
	}
	return strings.TrimSpace(out)
}

// directionContradicts is a coarse heuristic: any two distinct directional
// phrases within the conflict window are treated as contradictory, since
// the gate has no geometry model to reason about compatibility.
func directionContradicts(prior, next string) bool {
	priorLower, nextLower := strings.ToLower(prior), strings.ToLower(next)
	var priorWord, nextWord string
	for _, w := range directionalWords {
		if strings.Contains(priorLower, w) && priorWord == "" {
			priorWord = w
		}
		if strings.Contains(nextLower, w) && nextWord == "" {
			nextWord = w
		}
	}
	return priorWord != "" && nextWord != "" && priorWord != nextWord
}

func softenWording(text string) string {
	return "I'm not fully certain, but: " + text
}

func truncateAtSentence(text string, cap int) string {
	if len(text) <= cap {
		return text
	}
	cut := text[:cap]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > 0 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx] + "…"
	}
	return cut
}
