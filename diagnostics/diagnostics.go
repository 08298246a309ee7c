// Package diagnostics keeps a short history of channel state transitions
// per table so connection trouble can be inspected at runtime.
package diagnostics

import (
	"sort"
	"sync"
	"time"
)

type Transition struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

type TableStats struct {
	Table      string       `json:"table"`
	Owner      string       `json:"owner"`
	State      string       `json:"state"`
	Reconnects int          `json:"reconnects"`
	Failures   int          `json:"failures"`
	LastError  string       `json:"last_error,omitempty"`
	LastChange time.Time    `json:"last_change"`
	History    []Transition `json:"history"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	tables map[string]*TableStats
}

// NewRecorder keeps up to limit transitions per table.
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 32
	}
	return &Recorder{limit: limit, now: time.Now, tables: map[string]*TableStats{}}
}

func (r *Recorder) stats(table string) *TableStats {
	st, ok := r.tables[table]
	if !ok {
		st = &TableStats{Table: table}
		r.tables[table] = st
	}
	return st
}

func (r *Recorder) Transition(table, owner, from, to string, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stats(table)
	t := Transition{From: from, To: to, At: r.now()}
	if err != nil {
		t.Error = err.Error()
		st.LastError = t.Error
	}
	st.Owner = owner
	st.State = to
	st.LastChange = t.At
	st.History = append(st.History, t)
	if len(st.History) > r.limit {
		st.History = append([]Transition(nil), st.History[len(st.History)-r.limit:]...)
	}
	if to == "failed" {
		st.Failures++
	}
}

func (r *Recorder) Reconnect(table string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats(table).Reconnects++
}

// Snapshot returns a copy of every table's stats sorted by table name.
func (r *Recorder) Snapshot() []TableStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TableStats, 0, len(r.tables))
	for _, st := range r.tables {
		cp := *st
		cp.History = append([]Transition(nil), st.History...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}
