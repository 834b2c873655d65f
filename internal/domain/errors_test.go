package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Tool.Execute", ErrToolNotFound, "tool 'foo'")
	want := "Tool.Execute: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Agent.Run", ErrMaxRounds, "")
	want := "Agent.Run: agent reached maximum rounds"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Sandbox.Validate", ErrSandbox, "plugin load failed")
	if !errors.Is(err, ErrSandbox) {
		t.Error("errors.Is should match ErrSandbox")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("LLM.Chat", ErrProviderNotFound, "groq")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "LLM.Chat" {
		t.Errorf("Op = %q, want %q", de.Op, "LLM.Chat")
	}
}

func TestErrorCodeOf_Categories(t *testing.T) {
	assert.Equal(t, CodeConfig, ErrorCodeOf(ErrConfig))
	assert.Equal(t, CodeAuth, ErrorCodeOf(ErrAuth))
	assert.Equal(t, CodeProtocol, ErrorCodeOf(ErrProtocol))
	assert.Equal(t, CodeRouting, ErrorCodeOf(ErrRouting))
	assert.Equal(t, CodeBudget, ErrorCodeOf(ErrBudget))
	assert.Equal(t, CodeProvider, ErrorCodeOf(ErrProvider))
	assert.Equal(t, CodeTool, ErrorCodeOf(ErrTool))
	assert.Equal(t, CodeSandbox, ErrorCodeOf(ErrSandbox))
	assert.Equal(t, CodeCancellation, ErrorCodeOf(ErrCancellation))
}

func TestErrorCodeOf_FinerSentinelsResolveToCategory(t *testing.T) {
	assert.Equal(t, CodeRouting, ErrorCodeOf(ErrSessionNotFound))
	assert.Equal(t, CodeProvider, ErrorCodeOf(ErrProviderNotFound))
	assert.Equal(t, CodeTool, ErrorCodeOf(ErrToolNotFound))
	assert.Equal(t, CodeSandbox, ErrorCodeOf(ErrPluginNotFound))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrProvider)
	assert.Equal(t, CodeProvider, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Session.Load", ErrSessionNotFound)
	assert.Equal(t, "Session.Load: session not found", err.Error())
}

func TestWrapOp_PreservesIs(t *testing.T) {
	err := WrapOp("Session.Load", ErrSessionNotFound)
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrTool)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: tool error", outer.Error())
	assert.True(t, errors.Is(outer, ErrTool))
}
