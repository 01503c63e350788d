package environment_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/environment"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

func noopHandler(ctx context.Context, binding, namespace, operation string, payload []byte) ([]byte, error) {
	return nil, nil
}

func TestNewRejectsUnknownImport(t *testing.T) {
	ctx := context.Background()
	_, err := environment.New(ctx, unknownImportWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.Error(t, err)
	var uerr *environment.UnknownImportError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "evil", uerr.Module)
	require.Equal(t, "mystery", uerr.Name)
}

func TestNewRejectsMissingGuestCall(t *testing.T) {
	ctx := context.Background()
	_, err := environment.New(ctx, missingGuestCallWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.Error(t, err)
	var gerr *environment.GuestCallNotFoundError
	require.ErrorAs(t, err, &gerr)
}

func TestCallEchoesGuestRequest(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, echoGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer env.Close(ctx)

	resp, err := env.Call(ctx, "echo", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), resp)
}

func TestCallIsSerializedAcrossConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, echoGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer env.Close(ctx)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			payload := []byte{byte(i)}
			resp, err := env.Call(ctx, "echo", payload)
			if err != nil {
				errs <- err
				return
			}
			if len(resp) != 1 || resp[0] != payload[0] {
				errs <- &environment.GuestCallFailureError{Message: "mismatched echo"}
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestCallDeadlineExceeded(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, loopForeverGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
		Deadlines: &environment.EpochDeadlines{
			WapcFunc: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer env.Close(ctx)

	_, err = env.Call(ctx, "spin", nil)
	require.Error(t, err)
	var gerr *environment.GuestCallFailureError
	require.ErrorAs(t, err, &gerr)
}

func TestCallOnClosedEnvironmentFails(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, echoGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, env.Close(ctx))
	require.NoError(t, env.Close(ctx)) // idempotent

	_, err = env.Call(ctx, "echo", []byte("x"))
	require.Error(t, err)
}

func TestReplaceSwapsGuestAndPreservesOldOnFailure(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, echoGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer env.Close(ctx)

	resp, err := env.Call(ctx, "echo", []byte("before"))
	require.NoError(t, err)
	require.Equal(t, []byte("before"), resp)

	err = env.Replace(ctx, unknownImportWASM())
	require.Error(t, err)

	resp, err = env.Call(ctx, "echo", []byte("still-works"))
	require.NoError(t, err)
	require.Equal(t, []byte("still-works"), resp)

	require.NoError(t, env.Replace(ctx, echoGuestWASM()))
	resp, err = env.Call(ctx, "echo", []byte("after"))
	require.NoError(t, err)
	require.Equal(t, []byte("after"), resp)
}

func TestCloneSharesRuntimeButNotState(t *testing.T) {
	ctx := context.Background()
	env, err := environment.New(ctx, echoGuestWASM(), environment.Config{
		Handler: noopHandler,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	defer env.Close(ctx)

	clone, err := env.Clone(ctx)
	require.NoError(t, err)
	defer clone.Close(ctx)

	respA, err := env.Call(ctx, "echo", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), respA)

	respB, err := clone.Call(ctx, "echo", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), respB)

	require.NotSame(t, env.Resources(), clone.Resources())

	// Closing the clone must not take down the shared runtime; env must
	// still be able to make calls afterward (spec.md §4.D "Cloning").
	require.NoError(t, clone.Close(ctx))
	respA2, err := env.Call(ctx, "echo", []byte("still-alive"))
	require.NoError(t, err)
	require.Equal(t, []byte("still-alive"), respA2)
}

func TestInvocationCarriesOperationName(t *testing.T) {
	inv := abi.Invocation{Operation: "noop", Msg: []byte("x")}
	require.Equal(t, "noop", inv.Operation)
}
