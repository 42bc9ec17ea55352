package llmgateway

import "testing"

func TestValidateSpans(t *testing.T) {
	cases := []struct {
		name      string
		spans     []Span
		numBlocks int
		wantOK    bool
		wantLen   int
	}{
		{"empty", nil, 5, true, 0},
		{"single block", []Span{{0, 0}}, 1, true, 1},
		{"end at N-1 ok", []Span{{0, 4}}, 5, true, 1},
		{"end at N rejected", []Span{{0, 5}}, 5, false, 0},
		{"overlap rejected", []Span{{0, 3}, {2, 5}}, 6, false, 0},
		{"sorted adjacent ok", []Span{{0, 2}, {3, 4}}, 5, true, 2},
		{"unsorted rejected", []Span{{3, 4}, {0, 2}}, 5, false, 0},
		{"negative start rejected", []Span{{-1, 2}}, 5, false, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ValidateSpans(c.spans, c.numBlocks)
			if ok != c.wantOK {
				t.Fatalf("ok = %v, want %v", ok, c.wantOK)
			}
			if ok && len(got) != c.wantLen {
				t.Fatalf("len = %d, want %d", len(got), c.wantLen)
			}
		})
	}
}

func TestValidateGateDecision(t *testing.T) {
	d := ValidateGateDecision(GateDecision{Consider: true, Tag: TagNoise})
	if d.Consider {
		t.Fatalf("consider should be forced false for noise tag")
	}
	d = ValidateGateDecision(GateDecision{Consider: true, Tag: TagNewQuestion})
	if !d.Consider {
		t.Fatalf("consider should remain true for new_question")
	}
}

func TestValidateCaseStructure(t *testing.T) {
	c := ValidateCaseStructure(CaseStructure{Status: "solved", SolutionSummary: ""})
	if c.Status != "open" {
		t.Fatalf("solved with empty solution should demote to open, got %q", c.Status)
	}
	c = ValidateCaseStructure(CaseStructure{Status: "solved", SolutionSummary: "fixed it"})
	if c.Status != "solved" {
		t.Fatalf("solved with non-empty solution should remain solved")
	}
}

func TestValidateResolutionCheck(t *testing.T) {
	r := ValidateResolutionCheck(ResolutionCheck{Resolved: true, SolutionSummary: ""})
	if r.Resolved {
		t.Fatalf("resolved with empty solution should become not-resolved")
	}
}
