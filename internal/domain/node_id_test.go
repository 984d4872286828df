package domain

import "testing"

func TestFormatNodeNum(t *testing.T) {
	if got := FormatNodeNum(0xA2E175B8); got != "!a2e175b8" {
		t.Fatalf("expected !a2e175b8, got %s", got)
	}
	if got := FormatNodeNum(0x1); got != "!00000001" {
		t.Fatalf("expected zero padding, got %s", got)
	}
}

func TestParseNodeID(t *testing.T) {
	num, err := ParseNodeID("!a2e175b8")
	if err != nil {
		t.Fatalf("parse hex id: %v", err)
	}
	if num != 0xA2E175B8 {
		t.Fatalf("expected 0xA2E175B8, got %x", num)
	}

	num, err = ParseNodeID("305419896")
	if err != nil {
		t.Fatalf("parse decimal id: %v", err)
	}
	if num != 0x12345678 {
		t.Fatalf("expected 0x12345678, got %x", num)
	}

	for _, bad := range []string{"", "!xyz", "!123", "not-a-node"} {
		if _, err := ParseNodeID(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestMessageID(t *testing.T) {
	if got := MessageID(0x12345678, 0xAAAA); got != "305419896_43690" {
		t.Fatalf("expected 305419896_43690, got %s", got)
	}
}
