package events

import (
	"context"
	"time"
	"unicode/utf8"
)

// DefaultChunkDelay is the minimum inter-chunk pause for text streaming.
// Slower than 20ms starves the typing effect; faster floods subscribers.
const DefaultChunkDelay = 20 * time.Millisecond

// DefaultChunkSize is the chunk length in runes for text streaming.
const DefaultChunkSize = 48

// StreamText emits a long text as <prefix>.started, a run of
// <prefix>.delta chunks at a fixed cadence, then <prefix>.done carrying
// the full text. Chunks split on rune boundaries so multi-byte characters
// are never torn. Returns the first emit error (typically
// ErrSubscriberGone).
func StreamText(ctx context.Context, s *Stream, runID, prefix, text string, chunkSize int, delay time.Duration) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if delay < DefaultChunkDelay {
		delay = DefaultChunkDelay
	}

	if err := s.Emit(New(runID, prefix+suffixStarted, "")); err != nil {
		return err
	}

	remaining := text
	first := true
	for len(remaining) > 0 {
		if !first {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ErrSubscriberGone
			}
		}
		first = false

		chunk := takeRunes(remaining, chunkSize)
		remaining = remaining[len(chunk):]
		if err := s.Emit(NewWithData(runID, prefix+suffixDelta, "", map[string]string{"delta": chunk})); err != nil {
			return err
		}
	}

	return s.Emit(NewWithData(runID, prefix+suffixDone, "", map[string]string{"text": text}))
}

// takeRunes returns a prefix of s containing at most n runes.
func takeRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
