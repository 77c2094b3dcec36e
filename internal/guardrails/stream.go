package guardrails

import (
	"context"
	"regexp"
	"strings"
)

// sentenceBoundary matches the leading complete sentence of the buffer: any
// text up to '.', '?' or '!' followed by whitespace. End-of-stream is the
// other boundary and is handled by Flush.
var sentenceBoundary = regexp.MustCompile(`(?s)^(.*?[.?!])(\s+)`)

// StreamSanitizer applies the engine over sentence-sized chunks of a
// streaming response. Bytes are buffered only until the sentence containing
// them completes; a completed sentence is validated and emitted immediately.
//
// Re-chunking the same byte stream yields the same concatenated output:
// sentence boundaries depend only on buffer content, never on chunk edges.
//
// Not safe for concurrent use; one sanitizer serves one response stream.
type StreamSanitizer struct {
	engine *Engine
	buf    strings.Builder
}

func NewStreamSanitizer(engine *Engine) *StreamSanitizer {
	return &StreamSanitizer{engine: engine}
}

// Process ingests a chunk and returns the sanitized emissions that became
// ready, in arrival order.
func (s *StreamSanitizer) Process(ctx context.Context, chunk string) []string {
	s.buf.WriteString(chunk)

	var out []string
	for {
		buffered := s.buf.String()
		m := sentenceBoundary.FindStringSubmatch(buffered)
		if m == nil {
			break
		}
		sentence, separator := m[1], m[2]

		s.buf.Reset()
		s.buf.WriteString(buffered[len(m[0]):])

		out = append(out, s.emit(ctx, sentence)+separator)
	}
	return out
}

// Flush validates whatever remains in the buffer as one final sentence.
// The returned bool is false when the buffer was empty.
func (s *StreamSanitizer) Flush(ctx context.Context) (string, bool) {
	remainder := s.buf.String()
	if remainder == "" {
		return "", false
	}
	s.buf.Reset()
	return s.emit(ctx, remainder), true
}

func (s *StreamSanitizer) emit(ctx context.Context, sentence string) string {
	v := s.engine.Validate(ctx, sentence, SourceOutput)
	if v.Valid || v.Action == ActionRedacted {
		return v.SanitizedText
	}
	return "[BLOCKED: " + v.Reason + "]"
}
