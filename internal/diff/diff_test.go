package diff

import (
	"math/rand"
	"strings"
	"testing"
)

func TestComputeHelloWorld(t *testing.T) {
	script := Compute("Hello", "Hello world")

	if len(script) != 2 {
		t.Fatalf("expected 2 spans, got %d: %#v", len(script), script)
	}
	if script[0].Op != OpEqual || script[0].Text != "Hello" {
		t.Fatalf("unexpected first span: %#v", script[0])
	}
	if script[1].Op != OpInsert || script[1].Text != " world" {
		t.Fatalf("unexpected second span: %#v", script[1])
	}

	summary := Summarize(script)
	if summary.Insertions != 1 || summary.Deletions != 0 {
		t.Fatalf("expected 1 insertion, 0 deletions, got %+v", summary)
	}
}

func TestComputeEmptyOld(t *testing.T) {
	script := Compute("", "brand new text")
	if len(script) != 1 || script[0].Op != OpInsert || script[0].Text != "brand new text" {
		t.Fatalf("expected single insert span, got %#v", script)
	}
}

func TestComputeEmptyNew(t *testing.T) {
	script := Compute("old text", "")
	if len(script) != 1 || script[0].Op != OpDelete || script[0].Text != "old text" {
		t.Fatalf("expected single delete span, got %#v", script)
	}
}

func TestComputeIdentical(t *testing.T) {
	script := Compute("same", "same")
	if len(script) != 1 || script[0].Op != OpEqual || script[0].Text != "same" {
		t.Fatalf("expected single equal span, got %#v", script)
	}

	if script := Compute("", ""); len(script) != 0 {
		t.Fatalf("expected empty script for empty/empty, got %#v", script)
	}
}

func TestComputeMergesAdjacentOps(t *testing.T) {
	script := Compute("the quick brown fox", "the slow brown wolf")
	for i := 1; i < len(script); i++ {
		if script[i].Op == script[i-1].Op {
			t.Fatalf("adjacent spans share op %q: %#v", script[i].Op, script)
		}
	}
}

func TestReconstruction(t *testing.T) {
	cases := []struct{ old, new string }{
		{"Hello", "Hello world"},
		{"", "abc"},
		{"abc", ""},
		{"abc", "abc"},
		{"The cat sat on the mat.", "A cat sat near the mat!"},
		{"line one\nline two\n", "line one\nline 2\nline three\n"},
		{"日本語のテキスト", "日本語の長いテキスト"},
	}
	for _, tc := range cases {
		script := Compute(tc.old, tc.new)
		if got := OldText(script); got != tc.old {
			t.Fatalf("old reconstruction mismatch: got %q want %q", got, tc.old)
		}
		if got := NewText(script); got != tc.new {
			t.Fatalf("new reconstruction mismatch: got %q want %q", got, tc.new)
		}
	}
}

func TestReconstructionRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"alpha", "beta", "gamma", "delta", "prompt", "model", "review", "branch", "\n"}

	randomText := func() string {
		n := rng.Intn(60)
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteString(words[rng.Intn(len(words))])
			b.WriteByte(' ')
		}
		return b.String()
	}

	for i := 0; i < 200; i++ {
		oldText, newText := randomText(), randomText()
		script := Compute(oldText, newText)
		if got := OldText(script); got != oldText {
			t.Fatalf("iteration %d: old reconstruction mismatch", i)
		}
		if got := NewText(script); got != newText {
			t.Fatalf("iteration %d: new reconstruction mismatch", i)
		}
	}
}

func TestRenderIsLossless(t *testing.T) {
	script := Compute("before text", "after text")
	spans := Render(script)

	var withoutDeletes, withoutInserts strings.Builder
	for _, span := range spans {
		if span.Op != OpDelete {
			withoutDeletes.WriteString(span.Text)
		}
		if span.Op != OpInsert {
			withoutInserts.WriteString(span.Text)
		}
	}
	if withoutDeletes.String() != "after text" {
		t.Fatalf("render without deletes = %q", withoutDeletes.String())
	}
	if withoutInserts.String() != "before text" {
		t.Fatalf("render without inserts = %q", withoutInserts.String())
	}
}
