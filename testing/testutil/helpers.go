// Package testutil holds fixtures shared by the poller's package tests.
package testutil

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
)

// TestTimeout bounds every context handed out by ContextWithTimeout.
const TestTimeout = 5 * time.Second

// ContextWithTimeout returns a context that expires after TestTimeout.
func ContextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// RequireNoError stops the test on a non-nil err.
func RequireNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("unexpected error: %v - %v", err, msgAndArgs)
		}
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertEqual compares with reflect.DeepEqual so slices and structs work too.
func AssertEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if reflect.DeepEqual(expected, actual) {
		return
	}
	if len(msgAndArgs) > 0 {
		t.Errorf("expected %v, got %v - %v", expected, actual, msgAndArgs)
		return
	}
	t.Errorf("expected %v, got %v", expected, actual)
}

// AssertErrorKind checks that err wraps target and classifies as kind.
func AssertErrorKind(t *testing.T, err, target error, kind domain.ErrorKind) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("expected error wrapping %v, got %v", target, err)
	}
	if got := domain.KindOf(err); got != kind {
		t.Errorf("expected kind %v, got %v", kind, got)
	}
}
