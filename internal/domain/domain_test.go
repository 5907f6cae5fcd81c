package domain

import "testing"

func TestParseChoice(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in     string
		want   Choice
		branch Branch
		ok     bool
	}{
		{"yes", ChoiceYes, BranchYes, true},
		{"no", ChoiceNo, BranchNo, true},
		{"maybe", "", "", false},
		{"", "", "", false},
	} {
		got, err := ParseChoice(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseChoice(%q) error = %v, want ok=%v", tc.in, err, tc.ok)
		}
		if got != tc.want {
			t.Fatalf("ParseChoice(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if tc.ok && got.Branch() != tc.branch {
			t.Fatalf("%q.Branch() = %q, want %q", got, got.Branch(), tc.branch)
		}
	}
}

func TestParseConsent(t *testing.T) {
	t.Parallel()

	if c, err := ParseConsent("granted"); err != nil || !c.Granted() {
		t.Fatalf("expected granted consent, got %q, %v", c, err)
	}
	if c, err := ParseConsent("denied"); err != nil || c.Granted() {
		t.Fatalf("expected denied consent, got %q, %v", c, err)
	}
	if c, err := ParseConsent(""); err != nil || c != ConsentUnset {
		t.Fatalf("expected unset consent, got %q, %v", c, err)
	}
	if _, err := ParseConsent("yes please"); err == nil {
		t.Fatal("expected error for unknown consent")
	}
}

func TestMessageIsPrompt(t *testing.T) {
	t.Parallel()

	for kind, want := range map[MessageKind]bool{
		MessageText:         false,
		MessageImage:        false,
		MessageAudio:        false,
		MessageUserResponse: false,
		MessageOptions:      true,
		MessageCallToAction: true,
	} {
		if got := (Message{Kind: kind}).IsPrompt(); got != want {
			t.Fatalf("Message{Kind: %q}.IsPrompt() = %v, want %v", kind, got, want)
		}
	}
}
