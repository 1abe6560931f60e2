package dispatch

import (
	"sync"
)

// logCapBytes bounds retained output per task
const logCapBytes = 256 << 10

// LogStore keeps recent task output in memory on the leader for the
// task logs command. Output is advisory; the authoritative tail lives in
// the task result.
type LogStore struct {
	mu    sync.RWMutex
	lines map[string][]LogLine
	sizes map[string]int
}

// LogLine is one captured chunk of task output
type LogLine struct {
	Stream string `json:"stream"` // stdout or stderr
	Data   string `json:"data"`
}

// NewLogStore creates an empty log store
func NewLogStore() *LogStore {
	return &LogStore{
		lines: make(map[string][]LogLine),
		sizes: make(map[string]int),
	}
}

// Append records a chunk, evicting oldest chunks past the per-task cap
func (s *LogStore) Append(taskID, stream string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lines[taskID] = append(s.lines[taskID], LogLine{Stream: stream, Data: string(data)})
	s.sizes[taskID] += len(data)

	for s.sizes[taskID] > logCapBytes && len(s.lines[taskID]) > 1 {
		s.sizes[taskID] -= len(s.lines[taskID][0].Data)
		s.lines[taskID] = s.lines[taskID][1:]
	}
}

// Get returns the retained output for a task
func (s *LogStore) Get(taskID string) []LogLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogLine, len(s.lines[taskID]))
	copy(out, s.lines[taskID])
	return out
}

// Drop discards a task's output
func (s *LogStore) Drop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lines, taskID)
	delete(s.sizes, taskID)
}
