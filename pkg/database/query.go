package database

import (
	"context"
	"fmt"
	"time"

	"github.com/wapchost/runtime/pkg/abi"
	"github.com/wapchost/runtime/pkg/codec"
	"github.com/wapchost/runtime/pkg/resource"
)

// QueryOptions is the options record shared by command/query and
// command/execute; "raw" is accepted for wire compatibility but every
// query in this implementation already returns the raw driver value per
// cell, so it has no effect.
type QueryOptions struct {
	Raw bool `msgpack:"raw"`
}

// QueryRequest is the command/query payload.
type QueryRequest struct {
	RID     uint32       `msgpack:"rid"`
	Query   string       `msgpack:"query"`
	Args    []byte       `msgpack:"args"`
	Options QueryOptions `msgpack:"options"`
}

// QueryResponse is the command/query result.
type QueryResponse struct {
	Columns      []string `msgpack:"columns"`
	Rows         []byte   `msgpack:"rows"`
	Size         uint64   `msgpack:"size"`
	Statement    string   `msgpack:"statement"`
	LastInsertID *int64   `msgpack:"last_insert_id"`
	RowsAffected *int64   `msgpack:"rows_affected"`
	Time         *int64   `msgpack:"time"`
}

func (b *Binding) query(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("database: no resource table on context")
	}

	var req QueryRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	conn, err := resource.Get[*connectionHandle](table, req.RID)
	if err != nil {
		return nil, err
	}

	args, err := decodeArgs(req.Args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := conn.db.QueryContext(ctx, req.Query, args...)
	if err != nil {
		return nil, &QueryError{Message: err.Error()}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &QueryError{Message: err.Error()}
	}

	var allRows [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &QueryError{Message: err.Error()}
		}
		allRows = append(allRows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Message: err.Error()}
	}

	w := codec.NewWriter()
	if err := w.WriteArrayLen(len(allRows)); err != nil {
		return nil, &QueryError{Message: err.Error()}
	}
	for _, vals := range allRows {
		if err := w.WriteArrayLen(len(vals)); err != nil {
			return nil, &QueryError{Message: err.Error()}
		}
		for _, v := range vals {
			if err := encodeValue(w, v); err != nil {
				return nil, &QueryError{Message: err.Error()}
			}
		}
	}

	elapsed := elapsedSeconds(start)
	out := QueryResponse{
		Columns:   columns,
		Rows:      w.Bytes(),
		Size:      uint64(len(allRows)),
		Statement: req.Query,
		Time:      &elapsed,
	}
	return codec.Marshal(out)
}

// ExecuteRequest is the command/execute payload.
type ExecuteRequest struct {
	RID     uint32       `msgpack:"rid"`
	Query   string       `msgpack:"query"`
	Args    []byte       `msgpack:"args"`
	Options QueryOptions `msgpack:"options"`
}

// ExecuteResponse is the command/execute result.
type ExecuteResponse struct {
	Statement    string `msgpack:"statement"`
	RowsAffected *int64 `msgpack:"rows_affected"`
	Time         *int64 `msgpack:"time"`
	LastInsertID *int64 `msgpack:"last_insert_id"`
}

func (b *Binding) execute(ctx context.Context, payload []byte) ([]byte, error) {
	table := abi.ResourceTableFromContext(ctx)
	if table == nil {
		return nil, fmt.Errorf("database: no resource table on context")
	}

	var req ExecuteRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, &BadRequestError{Reason: err.Error()}
	}

	conn, err := resource.Get[*connectionHandle](table, req.RID)
	if err != nil {
		return nil, err
	}

	args, err := decodeArgs(req.Args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := conn.db.ExecContext(ctx, req.Query, args...)
	if err != nil {
		return nil, &QueryError{Message: err.Error()}
	}

	out := ExecuteResponse{Statement: req.Query}
	if ra, raErr := result.RowsAffected(); raErr == nil {
		out.RowsAffected = &ra
	}
	if lid, lidErr := result.LastInsertId(); lidErr == nil {
		out.LastInsertID = &lid
	}
	elapsed := elapsedSeconds(start)
	out.Time = &elapsed

	return codec.Marshal(out)
}

// elapsedSeconds reports whole-second resolution (spec.md §9 Open
// Question: "time fields ... report a whole-second resolution in the
// source; sub-second precision is a likely future requirement" — preserved
// exactly, not anticipated).
func elapsedSeconds(start time.Time) int64 {
	return int64(time.Since(start).Round(time.Second).Seconds())
}

// encodeValue writes one scanned cell using the msgpack type spec.md §4.G
// assigns it. database/sql's generic interface{} scan target only ever
// yields int64/float64/bool/[]byte/string/time.Time/nil (driver.Value's
// closed set) regardless of the column's declared width, so the 32-bit/
// float distinctions spec.md draws against source column types collapse to
// their wider Go counterparts here — documented in DESIGN.md.
func encodeValue(w *codec.Writer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		return w.WriteNil()
	case bool:
		return w.WriteBool(t)
	case int64:
		return w.WriteInt(t)
	case float64:
		return w.WriteFloat64(t)
	case []byte:
		return w.WriteBin(t)
	case string:
		return w.WriteString(t)
	case time.Time:
		return w.WriteString(t.UTC().Format(time.RFC3339))
	default:
		return w.WriteString(fmt.Sprintf("%v", t))
	}
}
