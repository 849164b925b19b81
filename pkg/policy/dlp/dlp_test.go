package dlp

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func emailRule() Rule {
	return Rule{
		Name:        "email",
		Pattern:     `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`,
		Action:      ActionRedact,
		Replacement: "[REDACTED:email]",
	}
}

func stream(t *testing.T, r *StreamRedactor, input string, size int) (string, error) {
	t.Helper()
	var out bytes.Buffer
	emit := func(b []byte) error {
		out.Write(b)
		return nil
	}
	for start := 0; start < len(input); start += size {
		end := min(start+size, len(input))
		if err := r.Write(context.Background(), []byte(input[start:end]), emit); err != nil {
			return out.String(), err
		}
	}
	err := r.Flush(context.Background(), emit)
	return out.String(), err
}

func TestScan(t *testing.T) {
	s, err := NewScanner(Config{Rules: []Rule{emailRule(), {Name: "ssn", Pattern: `\d{3}-\d{2}-\d{4}`, Action: ActionBlock}}})
	require.NoError(t, err)

	report, err := s.Scan(context.Background(), "mail a@b.io or 123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, "mail [REDACTED:email] or 123-45-6789", report.Redacted)
	assert.True(t, report.RedactionsApplied)
	assert.True(t, report.Blocked)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "email", report.Findings[0].Rule)
}

func TestNewScannerValidation(t *testing.T) {
	tests := map[string]Rule{
		"no name":    {Pattern: "x"},
		"no pattern": {Name: "x"},
		"bad action": {Name: "x", Pattern: "x", Action: "quarantine"},
		"bad regexp": {Name: "x", Pattern: "("},
	}
	for name, rule := range tests {
		_, err := NewScanner(Config{Rules: []Rule{rule}})
		assert.Error(t, err, name)
	}
}

func TestStreamRedactsAcrossChunks(t *testing.T) {
	r, err := NewStreamRedactor(Config{Rules: []Rule{emailRule()}, Overlap: 24})
	require.NoError(t, err)

	out, err := stream(t, r, "contact us at support@example.com for details", 5)
	require.NoError(t, err)
	assert.Equal(t, "contact us at [REDACTED:email] for details", out)

	report := r.Report()
	assert.True(t, report.RedactionsApplied)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, int64(14), report.Findings[0].Start)
}

func TestStreamBlockEmitsNothing(t *testing.T) {
	r, err := NewStreamRedactor(Config{Rules: []Rule{{Name: "ssn", Pattern: `123-45-6789`, Action: ActionBlock}}, Overlap: 16})
	require.NoError(t, err)

	out, err := stream(t, r, strings.Repeat("safe text ", 20)+"123-45-6789 tail", 7)
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Empty(t, out)
	assert.True(t, r.Report().Blocked)
}

func TestStreamMaxRead(t *testing.T) {
	r, err := NewStreamRedactor(Config{Rules: []Rule{emailRule()}, MaxReadBytes: 10})
	require.NoError(t, err)

	_, err = stream(t, r, "0123456789abc", 4)
	assert.ErrorIs(t, err, ErrMaxReadExceeded)
}

func TestBuiltins(t *testing.T) {
	for _, name := range BuiltinNames() {
		rule, ok := Builtin(name)
		require.True(t, ok)
		_, err := NewScanner(Config{Rules: []Rule{rule}})
		assert.NoError(t, err, name)
	}
	_, ok := Builtin("nope")
	assert.False(t, ok)
}

func TestStreamMatchesWholeScanProperty(t *testing.T) {
	s, err := NewScanner(Config{Rules: []Rule{emailRule()}})
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		words := rapid.SliceOf(rapid.SampledFrom([]string{"hello", "a@b.io", "x.y@mail.example.com", "  ", "text", "\n"})).Draw(rt, "words")
		input := strings.Join(words, " ")
		size := rapid.IntRange(1, 16).Draw(rt, "chunk")

		want, err := s.Scan(context.Background(), input)
		if err != nil {
			rt.Fatal(err)
		}

		r := NewStreamRedactorFrom(s, Config{Overlap: 64})
		var out bytes.Buffer
		emit := func(b []byte) error { out.Write(b); return nil }
		for start := 0; start < len(input); start += size {
			if err := r.Write(context.Background(), []byte(input[start:min(start+size, len(input))]), emit); err != nil {
				rt.Fatal(err)
			}
		}
		if err := r.Flush(context.Background(), emit); err != nil {
			rt.Fatal(err)
		}
		if out.String() != want.Redacted {
			rt.Fatalf("stream %q != scan %q", out.String(), want.Redacted)
		}
	})
}
