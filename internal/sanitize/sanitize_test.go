package sanitize

import (
	"testing"

	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

func msg(role models.Role, content string) *models.Message {
	return &models.Message{Role: role, Content: content}
}

func TestDropEmptyMessages(t *testing.T) {
	in := []*models.Message{
		msg(models.RoleUser, "hello"),
		msg(models.RoleAssistant, "   "),
		nil,
		msg(models.RoleAssistant, "hi"),
	}
	out := DropEmptyMessages(in, Caps{})
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Content != "hello" || out[1].Content != "hi" {
		t.Fatalf("unexpected messages: %v, %v", out[0].Content, out[1].Content)
	}
}

func TestDropOrphanToolResults(t *testing.T) {
	in := []*models.Message{
		msg(models.RoleTool, "orphan at head"),
		msg(models.RoleUser, "hi"),
		msg(models.RoleTool, "orphan after user"),
		msg(models.RoleAssistant, "calling a tool"),
		msg(models.RoleTool, "paired result"),
	}

	out := DropOrphanToolResults(in, Caps{})
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(out), out)
	}
	if out[2].Content != "paired result" {
		t.Fatalf("paired result lost: %+v", out[2])
	}
}

func TestFilterReasoningOnly(t *testing.T) {
	tests := []struct {
		name    string
		content string
		caps    Caps
		kept    bool
	}{
		{name: "pure reasoning dropped", content: "<think>internal</think>", kept: false},
		{name: "unterminated reasoning dropped", content: "<think>never closes", kept: false},
		{name: "mixed content kept", content: "<think>x</think>answer", kept: true},
		{name: "plain answer kept", content: "answer", kept: true},
		{
			name:    "provider accepts reasoning",
			content: "<think>internal</think>",
			caps:    Caps{AllowsReasoningContent: true},
			kept:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FilterReasoningOnly([]*models.Message{msg(models.RoleAssistant, tt.content)}, tt.caps)
			if (len(out) == 1) != tt.kept {
				t.Fatalf("kept = %v, want %v", len(out) == 1, tt.kept)
			}
		})
	}
}

func TestDemoteSystemMessages(t *testing.T) {
	in := []*models.Message{
		msg(models.RoleSystem, "you are helpful"),
		msg(models.RoleUser, "hi"),
		msg(models.RoleSystem, "reminder"),
	}

	out := DemoteSystemMessages(in, Caps{})
	if out[0].Role != models.RoleSystem {
		t.Fatal("leading system message must survive")
	}
	if out[2].Role != models.RoleUser || out[2].Content != "[system] reminder" {
		t.Fatalf("mid-transcript system message not demoted: %+v", out[2])
	}
	// Input must not be mutated.
	if in[2].Role != models.RoleSystem {
		t.Fatal("stage mutated its input")
	}

	kept := DemoteSystemMessages(in, Caps{AllowsSystemRole: true})
	if kept[2].Role != models.RoleSystem {
		t.Fatal("capable provider should keep system messages")
	}
}

func TestMergeConsecutiveTurns(t *testing.T) {
	in := []*models.Message{
		msg(models.RoleUser, "one"),
		msg(models.RoleUser, "two"),
		msg(models.RoleAssistant, "reply"),
	}

	out := MergeConsecutiveTurns(in, Caps{StrictTurnAlternation: true})
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Content != "one\n\ntwo" {
		t.Fatalf("merged content = %q", out[0].Content)
	}
	if in[0].Content != "one" {
		t.Fatal("stage mutated its input")
	}

	untouched := MergeConsecutiveTurns(in, Caps{})
	if len(untouched) != 3 {
		t.Fatal("merge should be a no-op without strict alternation")
	}
}

func TestApplyRunsStagesInFixedOrder(t *testing.T) {
	in := []*models.Message{
		msg(models.RoleUser, "question"),
		msg(models.RoleAssistant, "<think>only reasoning</think>"),
		msg(models.RoleUser, "followup"),
	}

	out := Apply(in, Caps{StrictTurnAlternation: true})

	// The reasoning-only message drops first, then the two user turns merge.
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1: %+v", len(out), out)
	}
	if out[0].Content != "question\n\nfollowup" {
		t.Fatalf("content = %q", out[0].Content)
	}
}
