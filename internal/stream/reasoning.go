package stream

import "strings"

// Default inline markers delimiting a reasoning segment.
const (
	DefaultReasoningOpen  = "<think>"
	DefaultReasoningClose = "</think>"
)

// reasoningFilter strips inline reasoning segments from streamed text. The
// open/close markers may be split across chunk boundaries, so the filter
// carries a partial-marker tail between calls and keeps an inside flag so
// partial reasoning never leaks into visible output.
type reasoningFilter struct {
	open   string
	close_ string
	inside bool
	carry  string
}

func newReasoningFilter(open, close_ string) *reasoningFilter {
	if open == "" {
		open = DefaultReasoningOpen
	}
	if close_ == "" {
		close_ = DefaultReasoningClose
	}
	return &reasoningFilter{open: open, close_: close_}
}

// Feed consumes one chunk and returns the visible and reasoning portions
// fully resolved so far. Text that could still become a marker is held back
// until the next chunk or Flush.
func (f *reasoningFilter) Feed(chunk string) (visible, reasoning string) {
	s := f.carry + chunk
	f.carry = ""

	var vis, reas strings.Builder
	for s != "" {
		if f.inside {
			idx := strings.Index(s, f.close_)
			if idx >= 0 {
				reas.WriteString(s[:idx])
				s = s[idx+len(f.close_):]
				f.inside = false
				continue
			}
			hold := partialMarkerTail(s, f.close_)
			reas.WriteString(s[:len(s)-len(hold)])
			f.carry = hold
			break
		}

		idx := strings.Index(s, f.open)
		if idx >= 0 {
			vis.WriteString(s[:idx])
			s = s[idx+len(f.open):]
			f.inside = true
			continue
		}
		hold := partialMarkerTail(s, f.open)
		vis.WriteString(s[:len(s)-len(hold)])
		f.carry = hold
		break
	}

	return vis.String(), reas.String()
}

// Flush resolves any held-back tail at message end. A pending partial marker
// that never completed is ordinary text; an unmatched open marker keeps its
// content on the reasoning side.
func (f *reasoningFilter) Flush() (visible, reasoning string) {
	tail := f.carry
	f.carry = ""
	if tail == "" {
		return "", ""
	}
	if f.inside {
		return "", tail
	}
	return tail, ""
}

// Inside reports whether the filter is currently inside a reasoning segment.
func (f *reasoningFilter) Inside() bool { return f.inside }

// reset clears all cross-chunk state.
func (f *reasoningFilter) reset() {
	f.inside = false
	f.carry = ""
}

// partialMarkerTail returns the longest suffix of s that is a proper prefix
// of marker. Such a suffix must be held back because the next chunk may
// complete the marker.
func partialMarkerTail(s, marker string) string {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
