package resource_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wapchost/runtime/pkg/resource"
)

type stringHandle struct {
	value  string
	closed bool
}

func (h *stringHandle) Name() string { return "stringHandle" }
func (h *stringHandle) Close() error { h.closed = true; return nil }

type otherHandle struct{}

func (h *otherHandle) Name() string { return "otherHandle" }
func (h *otherHandle) Close() error { return nil }

func TestAddGetTakeClose(t *testing.T) {
	table := resource.New()

	id1 := table.Add(&stringHandle{value: "a"})
	id2 := table.Add(&stringHandle{value: "b"})
	require.Less(t, id1, id2, "IDs must be strictly monotonic")

	got, err := resource.Get[*stringHandle](table, id1)
	require.NoError(t, err)
	require.Equal(t, "a", got.value)

	// get does not remove.
	got2, err := resource.Get[*stringHandle](table, id1)
	require.NoError(t, err)
	require.Same(t, got, got2)

	taken, err := resource.Take[*stringHandle](table, id1)
	require.NoError(t, err)
	require.Equal(t, "a", taken.value)

	_, err = resource.Get[*stringHandle](table, id1)
	require.ErrorIs(t, err, resource.ErrBadHandle)

	require.NoError(t, table.Close(id2))
	_, err = resource.Get[*stringHandle](table, id2)
	require.ErrorIs(t, err, resource.ErrBadHandle)
}

func TestCloseUnknownID(t *testing.T) {
	table := resource.New()
	err := table.Close(999)
	require.ErrorIs(t, err, resource.ErrBadHandle)
}

func TestGetWrongType(t *testing.T) {
	table := resource.New()
	id := table.Add(&stringHandle{value: "a"})

	_, err := resource.Get[*otherHandle](table, id)
	var typeErr *resource.BadHandleTypeError
	require.ErrorAs(t, err, &typeErr)
}

func TestCloseRunsReleaseRoutine(t *testing.T) {
	table := resource.New()
	h := &stringHandle{value: "a"}
	id := table.Add(h)

	require.NoError(t, table.Close(id))
	require.True(t, h.closed)
}

func TestCloseAllReleasesEverything(t *testing.T) {
	table := resource.New()
	a := &stringHandle{}
	b := &stringHandle{}
	table.Add(a)
	table.Add(b)

	table.CloseAll()

	require.True(t, a.closed)
	require.True(t, b.closed)
	require.Equal(t, 0, table.Len())
}
