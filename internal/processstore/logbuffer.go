package processstore

// logBuffer is a bounded rolling log buffer (spec §3: "at most 1000
// lines; once full, the oldest line is dropped on each append"). Lines
// are kept newest-first internally — each prepend copies the retained
// lines into a new slice and trims the tail once — and reversed only
// when a caller asks for chronological order.
type logBuffer struct {
	lines []string // lines[0] is the most recently appended
	max   int
}

func newLogBuffer(max int) *logBuffer {
	if max <= 0 {
		max = MaxLogLines
	}
	return &logBuffer{max: max}
}

// Append returns a new buffer with line as the newest entry, evicting
// the oldest line if the buffer is at capacity. After Append, len() ==
// min(priorLen+1, max). b itself is left untouched — a *logBuffer is
// shared across the lock-free read path once installed in the index, so
// every mutation must replace the whole value rather than write through
// the pointer a reader may be holding.
func (b *logBuffer) Append(line string) *logBuffer {
	lines := append([]string{line}, b.lines...)
	if len(lines) > b.max {
		lines = lines[:b.max]
	}
	return &logBuffer{lines: lines, max: b.max}
}

// Len reports the current number of retained lines.
func (b *logBuffer) Len() int { return len(b.lines) }

// Chronological returns up to n of the most recent lines in oldest-
// first order, the shape callers actually want to read (spec: "reads
// return lines in chronological order regardless of storage order").
// n<=0 means "all".
func (b *logBuffer) Chronological(n int) []string {
	total := len(b.lines)
	if n <= 0 || n > total {
		n = total
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		// b.lines[0..n-1] are the n most recent, newest first; reverse them.
		out[n-1-i] = b.lines[i]
	}
	return out
}

// snapshotNewestFirst returns the raw newest-first slice for
// serialization, so persisted records round-trip through Append's
// eviction order exactly.
func (b *logBuffer) snapshotNewestFirst() []string {
	return append([]string(nil), b.lines...)
}

func loadLogBuffer(newestFirst []string, max int) *logBuffer {
	b := newLogBuffer(max)
	if len(newestFirst) > max {
		newestFirst = newestFirst[:max]
	}
	b.lines = append([]string(nil), newestFirst...)
	return b
}
