package completion

import (
	"strings"
	"testing"
)

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := New("anthropic", "", ""); err == nil {
		t.Fatal("accepted missing api key")
	}
	if _, err := New("bard", "sk-x", ""); err == nil {
		t.Fatal("accepted unsupported provider")
	}
	for _, p := range []string{"anthropic", " OpenAI "} {
		if _, err := New(p, "sk-x", ""); err != nil {
			t.Fatalf("New(%q): %v", p, err)
		}
	}
}

func TestClampHistory(t *testing.T) {
	t.Parallel()
	turns := make([]Turn, 25)
	for i := range turns {
		turns[i] = Turn{Role: "user", Text: strings.Repeat("x", i+1)}
	}
	got := clampHistory(turns)
	if len(got) != maxHistoryTurns {
		t.Fatalf("len = %d", len(got))
	}
	if got[len(got)-1].Text != turns[24].Text {
		t.Fatal("clamp did not keep the newest turns")
	}
	short := turns[:3]
	if len(clampHistory(short)) != 3 {
		t.Fatal("short history clamped")
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Parallel()

	p := buildSystemPrompt(Request{Role: "engineer", Mode: "research", Language: "ar"})
	if !strings.Contains(p, "licensed engineer") {
		t.Fatalf("role missing: %q", p)
	}
	if !strings.Contains(p, `"research"`) {
		t.Fatalf("mode missing: %q", p)
	}
	if !strings.Contains(p, "Reply in Arabic") {
		t.Fatalf("language missing: %q", p)
	}

	p = buildSystemPrompt(Request{Role: "nobody", Mode: "chat", Language: "en"})
	if !strings.Contains(p, "client procuring") {
		t.Fatalf("default role missing: %q", p)
	}
	if strings.Contains(p, `"chat"`) {
		t.Fatal("chat mode should not be called out")
	}

	p = buildSystemPrompt(Request{Attachments: []Attachment{{Name: "plan.pdf", URL: "https://files/plan.pdf"}}})
	if !strings.Contains(p, "plan.pdf") {
		t.Fatalf("attachment missing: %q", p)
	}
}
