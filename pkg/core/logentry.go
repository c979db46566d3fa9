package core

// MaxLogEntries caps the rolling log shown to the presenter.
const MaxLogEntries = 40

// EntryKind classifies a log entry.
type EntryKind string

const (
	EntryRequest  EntryKind = "request"
	EntryResponse EntryKind = "response"
	EntryError    EntryKind = "error"
	EntryInfo     EntryKind = "info"
)

// LogEntry is a single line in the rolling demo log.
type LogEntry struct {
	Seq      uint64    `json:"seq"`
	TsUnixMs int64     `json:"ts_unix_ms"`
	Kind     EntryKind `json:"kind"`
	Message  string    `json:"message"`
}

// LogRing keeps the most recent entries up to a fixed capacity.
// It is not safe for concurrent use.
type LogRing struct {
	entries []LogEntry
	limit   int
	seq     uint64
}

// NewLogRing creates a ring holding at most limit entries. A non-positive
// limit falls back to MaxLogEntries.
func NewLogRing(limit int) *LogRing {
	if limit <= 0 {
		limit = MaxLogEntries
	}
	return &LogRing{limit: limit}
}

// Append stamps the entry with the next sequence number, stores it and
// returns the stored copy. The oldest entry is dropped once the ring is full.
func (r *LogRing) Append(e LogEntry) LogEntry {
	r.seq++
	e.Seq = r.seq
	r.entries = append(r.entries, e)
	if len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
	return e
}

// Entries returns a copy of the stored entries, oldest first.
func (r *LogRing) Entries() []LogEntry {
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of stored entries.
func (r *LogRing) Len() int {
	return len(r.entries)
}
