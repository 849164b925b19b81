package dlp

import (
	"bytes"
	"context"
	"errors"
	"slices"
)

const (
	defaultOverlap     = 256
	defaultMaxFindings = 128
)

var (
	ErrMaxReadExceeded     = errors.New("dlp: maximum inspected bytes exceeded")
	ErrMaxFindingsExceeded = errors.New("dlp: maximum findings exceeded")
)

// StreamRedactor inspects a body chunk by chunk. It holds back a tail of
// Overlap bytes so a match is never split across two emitted pieces. When a
// block rule is configured nothing is emitted before Flush, so a blocked body
// never leaks a prefix.
//
// A StreamRedactor serves one body and is not safe for concurrent use.
type StreamRedactor struct {
	scanner     *Scanner
	overlap     int
	maxRead     int64
	maxFindings int
	deferAll    bool

	buf      []byte
	consumed int64
	pending  bytes.Buffer
	findings []Finding
	blocked  bool
	redacted bool
}

// NewStreamRedactor creates a redactor for one body.
func NewStreamRedactor(cfg Config) (*StreamRedactor, error) {
	scanner, err := NewScanner(cfg)
	if err != nil {
		return nil, err
	}
	return newStreamRedactor(scanner, cfg), nil
}

// NewStreamRedactorFrom creates a redactor sharing an already compiled scanner.
func NewStreamRedactorFrom(scanner *Scanner, cfg Config) *StreamRedactor {
	return newStreamRedactor(scanner, cfg)
}

func newStreamRedactor(scanner *Scanner, cfg Config) *StreamRedactor {
	overlap := cfg.Overlap
	if overlap <= 0 {
		overlap = defaultOverlap
	}
	maxFindings := cfg.MaxFindings
	if maxFindings <= 0 {
		maxFindings = defaultMaxFindings
	}
	return &StreamRedactor{
		scanner:     scanner,
		overlap:     overlap,
		maxRead:     cfg.MaxReadBytes,
		maxFindings: maxFindings,
		deferAll:    scanner.Blocks(),
	}
}

// Write inspects chunk and emits whatever part of the buffered data can no
// longer be affected by later input.
func (r *StreamRedactor) Write(ctx context.Context, chunk []byte, emit func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.blocked {
		return ErrBlocked
	}
	if len(chunk) == 0 {
		return nil
	}
	if r.maxRead > 0 && r.consumed+int64(len(r.buf))+int64(len(chunk)) > r.maxRead {
		return ErrMaxReadExceeded
	}
	r.buf = append(r.buf, chunk...)
	return r.emit(max(0, len(r.buf)-r.overlap), false, emit)
}

// Flush emits the remaining data. It must be called once, at the end of the body.
func (r *StreamRedactor) Flush(ctx context.Context, emit func([]byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.blocked {
		return ErrBlocked
	}
	if err := r.emit(len(r.buf), true, emit); err != nil {
		return err
	}
	if r.pending.Len() > 0 {
		out := bytes.Clone(r.pending.Bytes())
		r.pending.Reset()
		return emit(out)
	}
	return nil
}

func (r *StreamRedactor) emit(limit int, final bool, emit func([]byte) error) error {
	safe := limit
	type match struct {
		rule  *compiledRule
		start int
		end   int
	}
	var matches []match

	for i := range r.scanner.rules {
		rule := &r.scanner.rules[i]
		for _, idx := range rule.expr.FindAllIndex(r.buf, -1) {
			matches = append(matches, match{rule: rule, start: idx[0], end: idx[1]})
		}
	}
	// Pull the emit boundary back until no match straddles it.
	for moved := true; moved; {
		moved = false
		for _, m := range matches {
			if m.start < safe && m.end > safe {
				safe = m.start
				moved = true
			}
		}
	}

	for _, m := range matches {
		if !final && m.end > safe {
			continue
		}
		if len(r.findings) >= r.maxFindings {
			return ErrMaxFindingsExceeded
		}
		r.findings = append(r.findings, Finding{
			Rule:   m.rule.name,
			Start:  r.consumed + int64(m.start),
			End:    r.consumed + int64(m.end),
			Action: m.rule.action,
		})
		if m.rule.action == ActionBlock {
			r.blocked = true
		}
	}
	if r.blocked {
		r.pending.Reset()
		return ErrBlocked
	}
	if safe <= 0 {
		return nil
	}

	out := r.buf[:safe]
	for _, rule := range r.scanner.rules {
		if rule.action != ActionRedact {
			continue
		}
		replaced := rule.expr.ReplaceAllLiteral(out, []byte(rule.replacement))
		if !bytes.Equal(replaced, out) {
			r.redacted = true
		}
		out = replaced
	}
	out = bytes.Clone(out)

	r.consumed += int64(safe)
	r.buf = slices.Delete(r.buf, 0, safe)

	if r.deferAll {
		r.pending.Write(out)
		return nil
	}
	return emit(out)
}

// Report returns the findings so far.
func (r *StreamRedactor) Report() Report {
	findings := slices.Clone(r.findings)
	sortFindings(findings)
	return Report{
		Findings:          findings,
		RedactionsApplied: r.redacted,
		Blocked:           r.blocked,
	}
}
