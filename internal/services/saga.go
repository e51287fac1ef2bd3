package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// SagaStep is one stage of a multi-transaction settlement. Compensate undoes
// the step's on-chain effect; nil means the step needs no undo.
type SagaStep struct {
	Name       string
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// StepError names the step that broke the saga.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// RunSaga executes steps in order. On failure it compensates every completed
// step in reverse order; each compensation runs independently so one failed
// undo never blocks the others. The original step error is returned.
func RunSaga(ctx context.Context, log *logrus.Entry, steps []SagaStep) error {
	completed := make([]SagaStep, 0, len(steps))
	for _, step := range steps {
		if err := step.Run(ctx); err != nil {
			log.WithError(err).WithField("step", step.Name).Warn("saga step failed, compensating")
			compensate(ctx, log, completed)
			return &StepError{Step: step.Name, Err: err}
		}
		completed = append(completed, step)
	}
	return nil
}

func compensate(ctx context.Context, log *logrus.Entry, completed []SagaStep) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			// keep going: remaining compensations are independent and the
			// stuck one needs operator attention either way
			log.WithError(err).WithField("step", step.Name).Error("saga compensation failed")
			continue
		}
		log.WithField("step", step.Name).Info("saga step compensated")
	}
}
