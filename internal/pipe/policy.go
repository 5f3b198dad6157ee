package pipe

import (
	"fmt"
	"strings"
	"sync"
)

// NormalizePolicy decides what happens to an event whose four-momentum
// cannot be repaired.
type NormalizePolicy int

const (
	// NormalizeStrict aborts the run.
	NormalizeStrict NormalizePolicy = iota
	// NormalizeSkip drops the event without writing a row and continues.
	NormalizeSkip
)

func (p NormalizePolicy) String() string {
	switch p {
	case NormalizeStrict:
		return "strict"
	case NormalizeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParseNormalizePolicy parses a policy name.
func ParseNormalizePolicy(s string) (NormalizePolicy, error) {
	switch strings.ToLower(s) {
	case "", "strict":
		return NormalizeStrict, nil
	case "skip":
		return NormalizeSkip, nil
	default:
		return NormalizeStrict, fmt.Errorf("unknown normalization policy: %s (want strict or skip)", s)
	}
}

// SkipRecord describes one dropped event.
type SkipRecord struct {
	Event int64
	Err   error
}

// skipHandler applies the policy and remembers skipped events.
type skipHandler struct {
	mu sync.Mutex

	policy   NormalizePolicy
	maxSkips int64 // 0 = unlimited
	skipped  []int64
	onSkip   func(SkipRecord)
}

func newSkipHandler(policy NormalizePolicy, maxSkips int64, onSkip func(SkipRecord)) *skipHandler {
	return &skipHandler{policy: policy, maxSkips: maxSkips, onSkip: onSkip}
}

// handle returns nil when the run may continue, otherwise the error that
// ends it.
func (h *skipHandler) handle(rec SkipRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.policy == NormalizeStrict {
		return rec.Err
	}
	if h.maxSkips > 0 && int64(len(h.skipped)) >= h.maxSkips {
		return fmt.Errorf("maximum skipped events (%d) exceeded at event %d: %w", h.maxSkips, rec.Event, rec.Err)
	}

	h.skipped = append(h.skipped, rec.Event)
	if h.onSkip != nil {
		h.onSkip(rec)
	}
	return nil
}

func (h *skipHandler) events() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.skipped...)
}
