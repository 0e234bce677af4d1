package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any)                      {}
func (testLogger) Info(string, ...any)                       {}
func (testLogger) Warn(string, ...any)                       {}
func (testLogger) Error(string, ...any)                      {}
func (testLogger) With(...any) logger.Logger                 { return testLogger{} }
func (testLogger) WithContext(context.Context) logger.Logger { return testLogger{} }

func defaultOptions() Options {
	return Options{Target: "postgres", Logger: testLogger{}}
}

func defaultOperations() Operations {
	return Operations{
		Up:   func(context.Context) (int, error) { return 1, nil },
		Down: func(context.Context, int) (int, error) { return 1, nil },
		Status: func(context.Context) (*Status, error) {
			return &Status{AppliedVersions: []int64{1}, Pending: []PendingMigration{}}, nil
		},
	}
}

func TestParseArgsDefaultsToUp(t *testing.T) {
	subcommand, steps, err := ParseArgs(nil)
	if err != nil {
		t.Fatalf("ParseArgs() error = %v", err)
	}
	if subcommand != "up" || steps != 1 {
		t.Fatalf("expected up/1, got %q/%d", subcommand, steps)
	}
}

func TestParseArgsInvalidSteps(t *testing.T) {
	if _, _, err := ParseArgs([]string{"down", "bad"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRunParsedInvalidCommandReturnsUsage(t *testing.T) {
	if err := RunParsed(context.Background(), "sideways", 1, defaultOptions(), defaultOperations()); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestRunParsedRejectsNonPositiveDownSteps(t *testing.T) {
	if err := RunParsed(context.Background(), "down", 0, defaultOptions(), defaultOperations()); err == nil {
		t.Fatal("expected steps error")
	}
}

func TestRunParsedRequiresCompleteOperations(t *testing.T) {
	ops := defaultOperations()
	ops.Status = nil
	if err := RunParsed(context.Background(), "up", 1, defaultOptions(), ops); err == nil {
		t.Fatal("expected incomplete operations error")
	}
}

func TestRunPropagatesOperationError(t *testing.T) {
	ops := defaultOperations()
	ops.Up = func(context.Context) (int, error) { return 0, errors.New("boom") }

	err := Run(context.Background(), []string{"up"}, defaultOptions(), ops)
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
}

func TestRunPassesStepsToDown(t *testing.T) {
	got := 0
	ops := defaultOperations()
	ops.Down = func(_ context.Context, steps int) (int, error) {
		got = steps
		return steps, nil
	}
	if err := Run(context.Background(), []string{"down", "3"}, defaultOptions(), ops); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3 steps, got %d", got)
	}
}
