package facts

import (
	"strings"
	"testing"

	"muse/internal/types"
)

func TestExtractEmptyExchange(t *testing.T) {
	if got := Extract("", ""); len(got) != 0 {
		t.Errorf("empty exchange yielded %d candidates", len(got))
	}
	if got := Extract("   ", "\n\t"); len(got) != 0 {
		t.Errorf("whitespace exchange yielded %d candidates", len(got))
	}
}

func TestExtractScheduledEmail(t *testing.T) {
	user := "Email mom@example.com about dinner at 7pm Friday"
	agent := "Email sent successfully to mom@example.com"

	got := Extract(user, agent)
	if len(got) == 0 {
		t.Fatal("expected at least one candidate")
	}

	var comm *Candidate
	for i := range got {
		if got[i].Type == types.FactCommunication {
			comm = &got[i]
			break
		}
	}
	if comm == nil {
		t.Fatalf("no communication fact extracted; got types %v", candidateTypes(got))
	}
	if !strings.Contains(comm.Content, "mom@example.com") {
		t.Errorf("communication content missing address: %q", comm.Content)
	}
	if comm.Importance < 0.8 {
		t.Errorf("communication importance = %f, want >= 0.8", comm.Importance)
	}
}

func TestExtractDeterministic(t *testing.T) {
	user := "Remind me to call the dentist tomorrow, it's important! Also check https://example.com/docs"
	agent := "You should schedule the appointment soon. Run `git status` first."

	first := Extract(user, agent)
	second := Extract(user, agent)

	if len(first) != len(second) {
		t.Fatalf("run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Type != second[i].Type ||
			first[i].Fingerprint != second[i].Fingerprint ||
			first[i].Importance != second[i].Importance {
			t.Errorf("candidate %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestImportanceAdjustments(t *testing.T) {
	tests := []struct {
		name    string
		base    float64
		content string
		want    float64
	}{
		{"no boost", 0.5, "a quiet observation", 0.5},
		{"urgency", 0.5, "finish the report today", 0.7},
		{"critical", 0.5, "this setting is required", 0.6},
		{"emphasis", 0.5, "do not forget this!", 0.6},
		{"stacked", 0.7, "urgent: this is important, do it now!", 1.0},
		{"clamped", 0.8, "deadline today is critical!", 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := adjustImportance(tt.base, tt.content)
			if got != tt.want {
				t.Errorf("adjustImportance(%f, %q) = %f, want %f",
					tt.base, tt.content, got, tt.want)
			}
		})
	}
}

func TestUrgencyOutranksEmphasis(t *testing.T) {
	urgent := adjustImportance(0.5, "deliver this today")
	emphatic := adjustImportance(0.5, "deliver this please!")
	if urgent <= emphatic {
		t.Errorf("urgency boost (%f) should exceed emphasis boost (%f)", urgent, emphatic)
	}
}

func TestMinLengthFiltersShortMatches(t *testing.T) {
	// "/a.c" would match the file pattern but is below the minimum length
	got := Extract("see /a.c", "")
	for _, c := range got {
		if c.Type == types.FactFile && len(c.Content) < 5 {
			t.Errorf("short file path not filtered: %q", c.Content)
		}
	}
}

func TestAutoTags(t *testing.T) {
	got := Extract("I need to fix the docker database migration today", "")
	var task *Candidate
	for i := range got {
		if got[i].Type == types.FactTask {
			task = &got[i]
			break
		}
	}
	if task == nil {
		t.Fatalf("no task fact extracted; got %v", candidateTypes(got))
	}

	want := map[string]bool{"task": false, "docker": false, "database": false}
	for _, tag := range task.Tags {
		if _, ok := want[tag]; ok {
			want[tag] = true
		}
	}
	for tag, seen := range want {
		if !seen {
			t.Errorf("missing tag %q in %v", tag, task.Tags)
		}
	}
}

func TestCodeBlockLanguage(t *testing.T) {
	agent := "Here you go:\n```python\nprint('hi')\n```"
	got := Extract("", agent)

	var code *Candidate
	for i := range got {
		if got[i].Type == types.FactCode {
			code = &got[i]
			break
		}
	}
	if code == nil {
		t.Fatalf("no code fact extracted; got %v", candidateTypes(got))
	}
	if code.Metadata["language"] != "python" {
		t.Errorf("language metadata = %q, want python", code.Metadata["language"])
	}
}

func TestURLContextWindow(t *testing.T) {
	pad := strings.Repeat("x ", 100)
	user := pad + "see https://example.com/page " + pad
	got := Extract(user, "")

	var url *Candidate
	for i := range got {
		if got[i].Type == types.FactURL {
			url = &got[i]
			break
		}
	}
	if url == nil {
		t.Fatal("no url fact extracted")
	}
	maxLen := len(url.Content) + 2*urlContextWindow
	if len(url.Context) > maxLen {
		t.Errorf("url context too wide: %d chars, want <= %d", len(url.Context), maxLen)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("Call The  Dentist")
	b := Fingerprint("call the dentist")
	if a != b {
		t.Errorf("fingerprints differ after normalization: %s vs %s", a, b)
	}
	c := Fingerprint("call the doctor")
	if a == c {
		t.Error("distinct contents should not collide in a trivial case")
	}
}

func candidateTypes(cs []Candidate) []types.FactType {
	out := make([]types.FactType, len(cs))
	for i, c := range cs {
		out[i] = c.Type
	}
	return out
}
