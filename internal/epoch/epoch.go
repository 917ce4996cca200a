package epoch

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/model"
)

// Schedule derives epochs purely from wall-clock time: windows of fixed
// Duration aligned to the Unix epoch, so independent aggregators compute
// identical windows with no coordination.
type Schedule struct {
	Duration time.Duration

	// DeadlineOffset is how long before the window end submissions close.
	// Zero means the deadline is the window end itself.
	DeadlineOffset time.Duration

	// Retention is how long closed epochs stay retrievable for late
	// validators. Minimum 7 days.
	Retention time.Duration
}

// DefaultSchedule returns the standard 4-hour window with 7-day retention.
func DefaultSchedule() Schedule {
	return Schedule{
		Duration:  4 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// Validate checks schedule invariants.
func (s Schedule) Validate() error {
	if s.Duration <= 0 {
		return eris.New("epoch: duration must be positive")
	}
	if s.DeadlineOffset < 0 || s.DeadlineOffset >= s.Duration {
		return eris.New("epoch: deadline offset must be in [0, duration)")
	}
	if s.Retention < 7*24*time.Hour {
		return eris.New("epoch: retention below 7 day minimum")
	}
	return nil
}

// Index returns the epoch index containing t: floor(unix / duration).
func (s Schedule) Index(t time.Time) int64 {
	secs := int64(s.Duration / time.Second)
	idx := t.Unix() / secs
	if t.Unix() < 0 && t.Unix()%secs != 0 {
		idx--
	}
	return idx
}

// At returns the epoch containing t.
func (s Schedule) At(t time.Time) model.Epoch {
	return s.ByIndex(s.Index(t))
}

// ByIndex returns the epoch for a window index.
func (s Schedule) ByIndex(idx int64) model.Epoch {
	secs := int64(s.Duration / time.Second)
	start := time.Unix(idx*secs, 0).UTC()
	end := start.Add(s.Duration)
	deadline := end.Add(-s.DeadlineOffset)
	return model.Epoch{
		ID:       IDForIndex(idx),
		Start:    start,
		End:      end,
		Deadline: deadline,
		Status:   model.EpochStatusOpen,
	}
}

// ByID resolves an epoch id of the form "ep-<index>".
func (s Schedule) ByID(id string) (model.Epoch, error) {
	var idx int64
	if _, err := fmt.Sscanf(id, "ep-%d", &idx); err != nil {
		return model.Epoch{}, eris.Wrapf(err, "epoch: parse id %q", id)
	}
	if IDForIndex(idx) != id {
		return model.Epoch{}, eris.Errorf("epoch: malformed id %q", id)
	}
	return s.ByIndex(idx), nil
}

// Next returns the epoch after e.
func (s Schedule) Next(e model.Epoch) model.Epoch {
	return s.At(e.End)
}

// Retained reports whether the epoch starting at start is still inside the
// retention window as of now.
func (s Schedule) Retained(start, now time.Time) bool {
	return now.Sub(start) <= s.Retention
}

// IDForIndex formats the canonical epoch id.
func IDForIndex(idx int64) string {
	return fmt.Sprintf("ep-%d", idx)
}
