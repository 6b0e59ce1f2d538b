package conversation

import (
	"strconv"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// Window tracks the start of the current session so downstream summarizers
// can ask for "this session's turns".
type Window struct {
	start time.Time
}

// Begin moves the session boundary to at.
func (w *Window) Begin(at time.Time) {
	w.start = at
}

// Start returns the boundary; the zero time means the whole log.
func (w *Window) Start() time.Time {
	return w.start
}

// Filter returns the turns at or after the boundary.
func (w *Window) Filter(turns []domain.Turn) []domain.Turn {
	var out []domain.Turn
	for _, t := range turns {
		if !t.Timestamp.Before(w.start) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func encodeBoundary(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func decodeBoundary(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
