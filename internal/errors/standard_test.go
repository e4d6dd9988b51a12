package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestStandardErrorFormat(t *testing.T) {
	err := LayoutMismatch("Int: Eq", "missing witness for equals")

	if err.Category != CategoryLayout {
		t.Errorf("Expected category %s, got %s", CategoryLayout, err.Category)
	}

	if !strings.Contains(err.Error(), "[LAYOUT:WITNESS_MISMATCH]") {
		t.Errorf("Expected category and code in message, got %q", err.Error())
	}

	if !strings.Contains(err.Caller, "TestStandardErrorFormat") {
		t.Errorf("Expected caller to be the test function, got %q", err.Caller)
	}
}

func TestStandardErrorIs(t *testing.T) {
	err := fmt.Errorf("building: %w", InstantiationMismatch("Array: Eq", 1, 2))

	if !stderrors.Is(err, &StandardError{Category: CategoryInstantiation}) {
		t.Error("Expected wrapped error to match its category")
	}

	if stderrors.Is(err, &StandardError{Category: CategoryLayout}) {
		t.Error("Expected different category not to match")
	}
}

func TestRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		panic(ImpossiblePath("impossible"))
	}

	err := run()
	if err == nil {
		t.Fatal("Expected recovered error")
	}

	var se *StandardError
	if !stderrors.As(err, &se) || se.Code != "IMPOSSIBLE_PATH" {
		t.Errorf("Expected IMPOSSIBLE_PATH, got %v", err)
	}
}
