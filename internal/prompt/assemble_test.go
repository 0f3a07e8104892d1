package prompt

import (
	"strings"
	"testing"

	"github.com/studiora/mentorcore/models"
)

func TestCombineEmpty(t *testing.T) {
	if got := Combine(nil); got != "" {
		t.Errorf("Combine(nil) = %q, want empty", got)
	}
	if got := Combine([]models.DocumentChunk{}); got != "" {
		t.Errorf("Combine(empty) = %q, want empty", got)
	}
}

func TestCombineNumbersAndSeparates(t *testing.T) {
	out := Combine([]models.DocumentChunk{
		{ID: "a", Content: "first body"},
		{ID: "b", Content: "second body"},
	})
	if !strings.Contains(out, "[Document 1]\nfirst body") {
		t.Errorf("missing first section:\n%s", out)
	}
	if !strings.Contains(out, "[Document 2]\nsecond body") {
		t.Errorf("missing second section:\n%s", out)
	}
	if strings.Count(out, "\n\n---\n\n") != 1 {
		t.Errorf("separator count wrong:\n%s", out)
	}
}

func TestCombineSourceAttribution(t *testing.T) {
	out := Combine([]models.DocumentChunk{
		{
			ID:      "a",
			Content: "body",
			Metadata: map[string]string{
				models.MetaSource:   "/docs/design.md",
				models.MetaFilename: "design.md",
			},
		},
	})
	if !strings.Contains(out, "Source: /docs/design.md (design.md)") {
		t.Errorf("missing source line:\n%s", out)
	}

	// No metadata: no source line at all.
	out = Combine([]models.DocumentChunk{{ID: "b", Content: "body"}})
	if strings.Contains(out, "Source:") {
		t.Errorf("unexpected source line without metadata:\n%s", out)
	}
}

func TestCombineTrimsContent(t *testing.T) {
	out := Combine([]models.DocumentChunk{{ID: "a", Content: "\n\n  padded  \n\n"}})
	if !strings.Contains(out, "[Document 1]\npadded") {
		t.Errorf("content not trimmed:\n%s", out)
	}
}
