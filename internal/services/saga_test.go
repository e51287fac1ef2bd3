package services

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func sagaTestLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func TestRunSagaHappyPath(t *testing.T) {
	var order []string
	steps := []SagaStep{
		{Name: "a", Run: func(ctx context.Context) error { order = append(order, "a"); return nil }},
		{Name: "b", Run: func(ctx context.Context) error { order = append(order, "b"); return nil }},
	}
	if err := RunSaga(context.Background(), sagaTestLog(), steps); err != nil {
		t.Fatalf("saga: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestRunSagaCompensatesInReverse(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	steps := []SagaStep{
		{
			Name:       "burn",
			Run:        func(ctx context.Context) error { order = append(order, "burn"); return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo-burn"); return nil },
		},
		{
			Name:       "safe-exec",
			Run:        func(ctx context.Context) error { order = append(order, "safe-exec"); return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo-safe-exec"); return nil },
		},
		{
			Name: "bridge",
			Run:  func(ctx context.Context) error { return boom },
		},
	}

	err := RunSaga(context.Background(), sagaTestLog(), steps)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "bridge" {
		t.Fatalf("expected bridge StepError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}

	want := []string{"burn", "safe-exec", "undo-safe-exec", "undo-burn"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

func TestRunSagaCompensationFailureDoesNotBlockOthers(t *testing.T) {
	var order []string
	steps := []SagaStep{
		{
			Name:       "first",
			Run:        func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { order = append(order, "undo-first"); return nil },
		},
		{
			Name:       "second",
			Run:        func(ctx context.Context) error { return nil },
			Compensate: func(ctx context.Context) error { return errors.New("stuck") },
		},
		{
			Name: "third",
			Run:  func(ctx context.Context) error { return errors.New("fail") },
		},
	}
	if err := RunSaga(context.Background(), sagaTestLog(), steps); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 1 || order[0] != "undo-first" {
		t.Fatalf("first compensation must still run, got %v", order)
	}
}

func TestRunSagaStepsAfterFailureNeverRun(t *testing.T) {
	ran := false
	steps := []SagaStep{
		{Name: "a", Run: func(ctx context.Context) error { return errors.New("fail") }},
		{Name: "b", Run: func(ctx context.Context) error { ran = true; return nil }},
	}
	if err := RunSaga(context.Background(), sagaTestLog(), steps); err == nil {
		t.Fatal("expected error")
	}
	if ran {
		t.Fatal("later step must not run after a failure")
	}
}
