package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"safe-analysis-sandbox/internal/profile"
)

// HistoryEntry is one line of a session's action log.
type HistoryEntry struct {
	Time   time.Time `json:"time"`
	Action string    `json:"action"`
	Stage  Stage     `json:"stage,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

type stageState struct {
	completed bool
	question  string
	result    *StageResult
}

// SessionState is the pipeline state of one session. run serializes stage
// executions; mu guards the fields so readers never wait on a running
// stage.
type SessionState struct {
	ID        string
	CreatedAt time.Time

	run sync.Mutex

	mu         sync.RWMutex
	lastAccess time.Time
	table      *profile.Table
	profile    *profile.Profile
	code       string
	stages     [StageDeepAnalysis + 1]stageState
	history    []HistoryEntry
}

// NewSessionState creates an empty pipeline for table.
func NewSessionState(table *profile.Table) *SessionState {
	now := time.Now()
	s := &SessionState{
		ID:         NewSessionID(now),
		CreatedAt:  now,
		lastAccess: now,
		table:      table,
	}
	s.record("created", 0, "")
	return s
}

// NewSessionID formats session_YYYYmmddHHMMSS_<8 hex>.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("session_%s_%s", now.Format("20060102150405"), suffix)
}

func (s *SessionState) Table() *profile.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Profile returns the stage-1 profile, nil before stage 1 ran.
func (s *SessionState) Profile() *profile.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *SessionState) Completed(stage Stage) bool {
	if !stage.Valid() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stages[stage].completed
}

// Result returns the last result of stage, nil if it never ran or was reset.
func (s *SessionState) Result(stage Stage) *StageResult {
	if !stage.Valid() {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stages[stage].result
}

func (s *SessionState) Question(stage Stage) string {
	if !stage.Valid() {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stages[stage].question
}

// Code returns the script stage 2 ran.
func (s *SessionState) Code() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.code
}

// History returns a copy of the action log.
func (s *SessionState) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.history...)
}

// LastAccess is when the session was last used.
func (s *SessionState) LastAccess() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAccess
}

func (s *SessionState) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

func (s *SessionState) record(action string, stage Stage, detail string) {
	s.history = append(s.history, HistoryEntry{
		Time:   time.Now(),
		Action: action,
		Stage:  stage,
		Detail: detail,
	})
}

// complete stores a stage result and clears the stages built on the
// previous one. Only success and partial success mark the stage completed.
func (s *SessionState) complete(stage Stage, question string, res *StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage] = stageState{
		completed: res.Status.Succeeded(),
		question:  question,
		result:    res,
	}
	for k := stage + 1; k <= StageDeepAnalysis; k++ {
		s.stages[k] = stageState{}
	}
	s.lastAccess = time.Now()
	s.record("run", stage, string(res.Status))
}

// reset clears stage and every stage after it. Resetting an already clear
// stage changes nothing but the history.
func (s *SessionState) reset(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := stage; k <= StageDeepAnalysis; k++ {
		s.stages[k] = stageState{}
	}
	if stage <= StagePreanalysis {
		s.code = ""
	}
	if stage == StageSummary {
		s.profile = nil
	}
	s.lastAccess = time.Now()
	s.record("reset", stage, "")
}

// Snapshot is a JSON view of a session.
type Snapshot struct {
	ID        string                 `json:"id"`
	CreatedAt time.Time              `json:"created_at"`
	Rows      int                    `json:"rows"`
	Columns   []string               `json:"columns"`
	Stages    map[string]StageStatus `json:"stages"`
	Code      string                 `json:"code,omitempty"`
	History   []HistoryEntry         `json:"history"`
}

type StageStatus struct {
	Completed bool         `json:"completed"`
	Question  string       `json:"question,omitempty"`
	Result    *StageResult `json:"result,omitempty"`
}

func (s *SessionState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Stages:    make(map[string]StageStatus, 3),
		Code:      s.code,
		History:   append([]HistoryEntry(nil), s.history...),
	}
	if s.table != nil {
		snap.Rows = s.table.NumRows()
		snap.Columns = append([]string(nil), s.table.Columns...)
	}
	for k := StageSummary; k <= StageDeepAnalysis; k++ {
		st := s.stages[k]
		snap.Stages[k.String()] = StageStatus{Completed: st.completed, Question: st.question, Result: st.result}
	}
	return snap
}

func (s *SessionState) setProfile(p *profile.Profile) {
	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
}

func (s *SessionState) setCode(code string) {
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
}

func (s *SessionState) setTable(t *profile.Table) {
	s.mu.Lock()
	s.table = t
	s.mu.Unlock()
}

// setNarrative attaches a narrative to a stored result without changing
// its status.
func (s *SessionState) setNarrative(stage Stage, narrative string) *StageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stages[stage].result
	if prev == nil {
		return nil
	}
	next := *prev
	next.Payload.Narrative = narrative
	s.stages[stage].result = &next
	s.record("explain", stage, "")
	return &next
}
