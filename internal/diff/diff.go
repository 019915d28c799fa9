// Package diff computes character-level edit scripts between two text
// snapshots and derives the summaries and render spans the rest of the
// system builds change logs and live-diff views from.
package diff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op tags a span of an edit script.
type Op string

const (
	OpEqual  Op = "equal"
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Span is one operation of an edit script.
type Span struct {
	Op   Op     `json:"op"`
	Text string `json:"text"`
}

// Script is an ordered edit script covering both inputs exactly:
// concatenating equal+delete spans reconstructs the old text, and
// equal+insert spans the new text.
type Script []Span

// Summary counts the non-equal operations of a script. Counts are
// operations, not characters.
type Summary struct {
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

// Compute diffs oldText against newText. Semantic cleanup merges adjacent
// same-op spans and favors whole-word edits over minimal single-character
// noise.
func Compute(oldText, newText string) Script {
	if oldText == newText {
		if oldText == "" {
			return Script{}
		}
		return Script{{Op: OpEqual, Text: oldText}}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	script := make(Script, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		script = append(script, Span{Op: opFor(d.Type), Text: d.Text})
	}
	return script
}

// Summarize counts insert and delete operations in a script.
func Summarize(script Script) Summary {
	var summary Summary
	for _, span := range script {
		switch span.Op {
		case OpInsert:
			summary.Insertions++
		case OpDelete:
			summary.Deletions++
		}
	}
	return summary
}

// Render returns the script as presentation spans. It is the identity on
// the script today, but keeps callers off the internal representation and
// guarantees the lossless reconstruction property regardless of how the
// script is produced.
func Render(script Script) []Span {
	spans := make([]Span, 0, len(script))
	spans = append(spans, script...)
	return spans
}

// OldText reassembles the pre-image of a script.
func OldText(script Script) string {
	var out []byte
	for _, span := range script {
		if span.Op == OpEqual || span.Op == OpDelete {
			out = append(out, span.Text...)
		}
	}
	return string(out)
}

// NewText reassembles the post-image of a script.
func NewText(script Script) string {
	var out []byte
	for _, span := range script {
		if span.Op == OpEqual || span.Op == OpInsert {
			out = append(out, span.Text...)
		}
	}
	return string(out)
}

func opFor(t diffmatchpatch.Operation) Op {
	switch t {
	case diffmatchpatch.DiffInsert:
		return OpInsert
	case diffmatchpatch.DiffDelete:
		return OpDelete
	default:
		return OpEqual
	}
}
