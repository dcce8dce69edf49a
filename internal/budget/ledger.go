package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/llm"
)

// AgentUsage is the accumulated usage of one agent within a run.
type AgentUsage struct {
	Agent       string         `json:"agent"`
	Invocations int            `json:"invocations"`
	Usage       llm.TokenUsage `json:"usage"`
}

// Ledger accumulates token usage and cost for one session run, per agent and
// in total, and checks the optional limits after every record.
type Ledger struct {
	sessionID string
	config    Config
	startTime time.Time

	mu      sync.Mutex
	order   []string
	byAgent map[string]*AgentUsage
	total   llm.TokenUsage
}

// NewLedger clones cfg and starts the run clock.
func NewLedger(sessionID string, cfg Config) *Ledger {
	return &Ledger{
		sessionID: sessionID,
		config:    cfg.Clone(),
		startTime: time.Now(),
		byAgent:   make(map[string]*AgentUsage),
	}
}

// SessionID returns the session the ledger belongs to.
func (l *Ledger) SessionID() string { return l.sessionID }

// Record adds usage for agent. Usage is always recorded; an ErrExceeded is
// returned when the new totals breach a limit.
func (l *Ledger) Record(agent string, u llm.TokenUsage) error {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.byAgent[agent]
	if !ok {
		entry = &AgentUsage{Agent: agent}
		l.byAgent[agent] = entry
		l.order = append(l.order, agent)
	}
	entry.Invocations++
	entry.Usage = entry.Usage.Add(u)
	l.total = l.total.Add(u)

	if l.config.MaxCost != nil && l.total.EstimatedCost > *l.config.MaxCost {
		return ErrExceeded{
			SessionID: l.sessionID,
			Kind:      "cost",
			Usage:     fmt.Sprintf("$%.4f", l.total.EstimatedCost),
			Limit:     fmt.Sprintf("$%.4f", *l.config.MaxCost),
		}
	}
	if l.config.MaxTokens != nil && l.total.TotalTokens > *l.config.MaxTokens {
		return ErrExceeded{
			SessionID: l.sessionID,
			Kind:      "tokens",
			Usage:     fmt.Sprintf("%d tokens", l.total.TotalTokens),
			Limit:     fmt.Sprintf("%d tokens", *l.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (l *Ledger) CheckTime() error {
	if l.config.MaxTimeSeconds == nil || *l.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(l.startTime)
	limit := time.Duration(*l.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			SessionID: l.sessionID,
			Kind:      "time",
			Usage:     elapsed.String(),
			Limit:     limit.String(),
		}
	}
	return nil
}

// Total returns the run-wide usage.
func (l *Ledger) Total() llm.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Agent returns the usage recorded for one agent.
func (l *Ledger) Agent(name string) llm.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.byAgent[name]; ok {
		return entry.Usage
	}
	return llm.TokenUsage{}
}

// ByAgent returns per-agent usage in first-recorded order.
func (l *Ledger) ByAgent() []AgentUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AgentUsage, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, *l.byAgent[name])
	}
	return out
}

// Elapsed returns the time since the ledger was created.
func (l *Ledger) Elapsed() time.Duration { return time.Since(l.startTime) }
