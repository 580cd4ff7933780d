package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errSoft = errors.New("soft")

func isSoft(err error) bool {
	return errors.Is(err, errSoft)
}

func TestTryEach(t *testing.T) {
	t.Parallel()

	hardA := errors.New("hard a")
	hardB := errors.New("hard b")
	value := func(v int) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return v, nil }
	}
	fail := func(err error) func(context.Context) (int, error) {
		return func(context.Context) (int, error) { return 0, err }
	}

	tests := []struct {
		name          string
		tasks         []func(context.Context) (int, error)
		expectedValue int
		expectedErr   error
	}{
		{
			name: "no tasks",
		},
		{
			name:          "first success wins",
			tasks:         []func(context.Context) (int, error){fail(errSoft), value(2), value(3)},
			expectedValue: 2,
		},
		{
			name:        "only soft errors",
			tasks:       []func(context.Context) (int, error){fail(errSoft), fail(errSoft)},
			expectedErr: errSoft,
		},
		{
			name:        "soft does not replace hard",
			tasks:       []func(context.Context) (int, error){fail(hardA), fail(errSoft)},
			expectedErr: hardA,
		},
		{
			name:        "hard replaces hard",
			tasks:       []func(context.Context) (int, error){fail(hardA), fail(errSoft), fail(hardB)},
			expectedErr: hardB,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, err := TryEach(context.Background(), isSoft, tt.tasks...)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				require.Zero(t, v)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expectedValue, v)
		})
	}
}

func TestTryEachWithoutSoftClassifier(t *testing.T) {
	t.Parallel()

	hard := errors.New("hard")
	_, err := TryEach(context.Background(), nil,
		func(context.Context) (string, error) { return "", hard },
		func(context.Context) (string, error) { return "", errSoft },
	)
	require.ErrorIs(t, err, errSoft)
}

func TestTryEachStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	task := func(ctx context.Context) (int, error) {
		return int(calls.Add(1)), nil
	}
	v, err := TryEach(context.Background(), isSoft, task, task, task)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.Equal(t, int32(1), calls.Load())
}

func TestParallel(t *testing.T) {
	t.Parallel()

	require.NoError(t, Parallel(context.Background()))

	var done atomic.Int32
	ok := func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done.Add(1)
		return nil
	}
	require.NoError(t, Parallel(context.Background(), ok, ok, ok))
	require.Equal(t, int32(3), done.Load())

	done.Store(0)
	failure := errors.New("failure")
	err := Parallel(context.Background(), ok, func(ctx context.Context) error { return failure }, ok)
	require.ErrorIs(t, err, failure)
	require.Equal(t, int32(2), done.Load())
}

func TestParallelDoesNotCancelSiblings(t *testing.T) {
	t.Parallel()

	var cancelled atomic.Bool
	err := Parallel(context.Background(),
		func(ctx context.Context) error { return errors.New("failure") },
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
			case <-time.After(50 * time.Millisecond):
			}
			return nil
		},
	)
	require.Error(t, err)
	require.False(t, cancelled.Load())
}
