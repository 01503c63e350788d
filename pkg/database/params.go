package database

import (
	"math"

	"github.com/wapchost/runtime/pkg/codec"
)

// decodeArgs reads args as a flat positional sequence of msgpack scalars
// (spec.md §4.G "Parameter encoding"), returning one Go value per scalar
// suitable for database/sql's variadic args.
//
// The 32-bit/64-bit integer and float/double distinctions spec.md draws on
// the input side collapse to int64/float64 here: database/sql's argument
// slot is a single driver.Value, and neither mattn/go-sqlite3 nor
// go-sql-driver/mysql needs (or exposes) a narrower width for bind
// parameters, only u64's overflow-into-int64 check is load-bearing and is
// enforced below.
func decodeArgs(args []byte) ([]interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	r := codec.NewReader(args)

	var out []interface{}
	for r.More() {
		kind, err := r.Peek()
		if err != nil {
			return nil, &InvalidParamError{Reason: err.Error()}
		}
		switch kind {
		case codec.KindNil:
			if err := r.ReadNil(); err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, nil)
		case codec.KindBool:
			v, err := r.ReadBool()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, v)
		case codec.KindInt:
			v, err := r.ReadInt()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, v)
		case codec.KindUint:
			v, err := r.ReadUint()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			if v > math.MaxInt64 {
				return nil, &ParamOverflowError{}
			}
			out = append(out, int64(v))
		case codec.KindFloat32:
			v, err := r.ReadFloat32()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, float64(v))
		case codec.KindFloat64:
			v, err := r.ReadFloat64()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, v)
		case codec.KindString:
			v, err := r.ReadString()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, v)
		case codec.KindBin:
			v, err := r.ReadBin()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			out = append(out, v)
		case codec.KindArray:
			// Reserved: the header is read so the stream stays aligned, but
			// every element (and any nesting within it) is discarded and
			// the parameter is bound as SQL null (spec.md §9 Open Question).
			n, err := r.ReadArrayLen()
			if err != nil {
				return nil, &InvalidParamError{Reason: err.Error()}
			}
			for i := 0; i < n; i++ {
				if err := r.Skip(); err != nil {
					return nil, &InvalidParamError{Reason: err.Error()}
				}
			}
			out = append(out, nil)
		default:
			return nil, &InvalidParamError{Reason: "unrecognized parameter kind"}
		}
	}
	return out, nil
}
