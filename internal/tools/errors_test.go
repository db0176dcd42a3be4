package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	tests := []struct {
		err  *ErrToolUnavailable
		want string
	}{
		{&ErrToolUnavailable{ToolName: "mcp_files_read"}, `tool "mcp_files_read" is unavailable: not registered`},
		{&ErrToolUnavailable{ToolName: "x", Reason: "has no handler"}, `tool "x" is unavailable: has no handler`},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("tool execution: %w", &ErrToolUnavailable{ToolName: "mcp_github_get_issue"})

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "mcp_github_get_issue" {
		t.Errorf("ToolName = %q", target.ToolName)
	}

	var other *ErrToolUnavailable
	if errors.As(errors.New("some other error"), &other) {
		t.Error("errors.As matched an unrelated error")
	}
}

func TestExecute_NoHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "described_only"})

	_, err := r.Execute(context.Background(), "described_only", "{}")
	var target *ErrToolUnavailable
	if !errors.As(err, &target) || target.Reason != "has no handler" {
		t.Fatalf("Execute error = %v, want ErrToolUnavailable with no handler", err)
	}
}
