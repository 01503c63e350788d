package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/database"
	"github.com/wapchost/runtime/pkg/resource"
)

func withTable() context.Context {
	return abi.ContextWithResourceTable(context.Background(), resource.New())
}

func TestQueryRoundTrip(t *testing.T) {
	b := database.New(database.Config{RetryAttempts: 3})
	ctx := withTable()

	openPayload, err := codec.Marshal(database.OpenRequest{URL: "sqlite3::memory:"})
	require.NoError(t, err)
	openRespBytes, err := b.Dispatch(ctx, "connection", "open", openPayload)
	require.NoError(t, err)

	var openResp database.OpenResponse
	require.NoError(t, codec.Unmarshal(openRespBytes, &openResp))

	ddlPayload, err := codec.Marshal(database.ExecuteRequest{RID: openResp.RID, Query: "CREATE TABLE t(k INT, v TEXT)"})
	require.NoError(t, err)
	_, err = b.Dispatch(ctx, "command", "execute", ddlPayload)
	require.NoError(t, err)

	argsWriter := codec.NewWriter()
	require.NoError(t, argsWriter.WriteInt(1))
	require.NoError(t, argsWriter.WriteString("x"))

	insertPayload, err := codec.Marshal(database.ExecuteRequest{
		RID:   openResp.RID,
		Query: "INSERT INTO t VALUES (?, ?)",
		Args:  argsWriter.Bytes(),
	})
	require.NoError(t, err)
	insertRespBytes, err := b.Dispatch(ctx, "command", "execute", insertPayload)
	require.NoError(t, err)

	var insertResp database.ExecuteResponse
	require.NoError(t, codec.Unmarshal(insertRespBytes, &insertResp))
	require.NotNil(t, insertResp.RowsAffected)
	require.Equal(t, int64(1), *insertResp.RowsAffected)

	queryPayload, err := codec.Marshal(database.QueryRequest{RID: openResp.RID, Query: "SELECT * FROM t"})
	require.NoError(t, err)
	queryRespBytes, err := b.Dispatch(ctx, "command", "query", queryPayload)
	require.NoError(t, err)

	var queryResp database.QueryResponse
	require.NoError(t, codec.Unmarshal(queryRespBytes, &queryResp))
	require.Equal(t, []string{"k", "v"}, queryResp.Columns)
	require.Equal(t, uint64(1), queryResp.Size)

	r := codec.NewReader(queryResp.Rows)
	rowCount, err := r.ReadArrayLen()
	require.NoError(t, err)
	require.Equal(t, 1, rowCount)

	cellCount, err := r.ReadArrayLen()
	require.NoError(t, err)
	require.Equal(t, 2, cellCount)

	k, err := r.ReadInt()
	require.NoError(t, err)
	require.Equal(t, int64(1), k)

	v, err := r.ReadString()
	require.NoError(t, err)
	require.Equal(t, "x", v)
}

func TestArrayParamBecomesNull(t *testing.T) {
	b := database.New(database.Config{RetryAttempts: 3})
	ctx := withTable()

	openRespBytes, err := b.Dispatch(ctx, "connection", "open", mustMarshal(t, database.OpenRequest{URL: "sqlite3::memory:"}))
	require.NoError(t, err)
	var openResp database.OpenResponse
	require.NoError(t, codec.Unmarshal(openRespBytes, &openResp))

	_, err = b.Dispatch(ctx, "command", "execute", mustMarshal(t, database.ExecuteRequest{
		RID: openResp.RID, Query: "CREATE TABLE t(v TEXT)",
	}))
	require.NoError(t, err)

	argsWriter := codec.NewWriter()
	require.NoError(t, argsWriter.WriteArrayLen(2))
	require.NoError(t, argsWriter.WriteInt(1))
	require.NoError(t, argsWriter.WriteInt(2))

	_, err = b.Dispatch(ctx, "command", "execute", mustMarshal(t, database.ExecuteRequest{
		RID: openResp.RID, Query: "INSERT INTO t VALUES (?)", Args: argsWriter.Bytes(),
	}))
	require.NoError(t, err)

	queryRespBytes, err := b.Dispatch(ctx, "command", "query", mustMarshal(t, database.QueryRequest{
		RID: openResp.RID, Query: "SELECT v FROM t",
	}))
	require.NoError(t, err)
	var queryResp database.QueryResponse
	require.NoError(t, codec.Unmarshal(queryRespBytes, &queryResp))

	r := codec.NewReader(queryResp.Rows)
	_, err = r.ReadArrayLen() // row count
	require.NoError(t, err)
	_, err = r.ReadArrayLen() // cell count
	require.NoError(t, err)
	require.NoError(t, r.ReadNil())
}

func TestCloseUnknownConnectionFails(t *testing.T) {
	b := database.New(database.Config{RetryAttempts: 3})
	ctx := withTable()

	_, err := b.Dispatch(ctx, "connection", "close", mustMarshal(t, uint32(999)))
	require.Error(t, err)
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := codec.Marshal(v)
	require.NoError(t, err)
	return b
}
