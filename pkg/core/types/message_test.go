package types

import "testing"

func TestMessages(t *testing.T) {
	turns := []Turn{
		{User: "hi", Assistant: "hello"},
		{User: "tell me a story", Assistant: "", Interrupted: true},
	}
	msgs := Messages("be brief", turns, "what time is it")
	want := []Message{
		{Role: RoleSystem, Text: "be brief"},
		{Role: RoleUser, Text: "hi"},
		{Role: RoleAssistant, Text: "hello"},
		{Role: RoleUser, Text: "tell me a story"},
		{Role: RoleUser, Text: "what time is it"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("len=%d, want %d: %+v", len(msgs), len(want), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Fatalf("msgs[%d]=%+v, want %+v", i, msgs[i], want[i])
		}
	}
}

func TestMessages_NoSystem(t *testing.T) {
	msgs := Messages("  ", nil, "hello")
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("msgs=%+v", msgs)
	}
}
