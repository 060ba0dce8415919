package storage

import "fmt"

// ApplyOps applies each UpdateOp to tuple in order and returns the
// result, leaving the input untouched. Field numbers are 0-based, as
// they appear in an UPDATE request body.
func ApplyOps(tuple Tuple, ops []UpdateOp) (Tuple, error) {
	out := make(Tuple, len(tuple))
	copy(out, tuple)

	for _, op := range ops {
		switch op.Op {
		case "=":
			out = setField(out, op.FieldNo, op.Value)
		case "!":
			out = insertField(out, op.FieldNo, op.Value)
		case "#":
			var err error
			out, err = deleteField(out, op.FieldNo)
			if err != nil {
				return nil, err
			}
		case "+", "-", "&", "|", "^":
			if int(op.FieldNo) >= len(out) {
				return nil, fmt.Errorf("field %d out of range", op.FieldNo)
			}
			result, err := arith(op.Op, out[op.FieldNo], op.Value)
			if err != nil {
				return nil, err
			}
			out[op.FieldNo] = result
		case ":":
			return nil, fmt.Errorf("splice operation not supported")
		default:
			return nil, fmt.Errorf("unknown update operation %q", op.Op)
		}
	}
	return out, nil
}

func setField(t Tuple, fieldNo uint32, v interface{}) Tuple {
	for uint32(len(t)) <= fieldNo {
		t = append(t, nil)
	}
	t[fieldNo] = v
	return t
}

func insertField(t Tuple, fieldNo uint32, v interface{}) Tuple {
	if int(fieldNo) >= len(t) {
		return setField(t, fieldNo, v)
	}
	out := make(Tuple, 0, len(t)+1)
	out = append(out, t[:fieldNo]...)
	out = append(out, v)
	out = append(out, t[fieldNo:]...)
	return out
}

func deleteField(t Tuple, fieldNo uint32) (Tuple, error) {
	if int(fieldNo) >= len(t) {
		return nil, fmt.Errorf("field %d out of range", fieldNo)
	}
	out := make(Tuple, 0, len(t)-1)
	out = append(out, t[:fieldNo]...)
	out = append(out, t[fieldNo+1:]...)
	return out, nil
}

func arith(op string, cur, delta interface{}) (interface{}, error) {
	a, ok := toFloat(cur)
	if !ok {
		return nil, fmt.Errorf("arithmetic op on non-numeric field")
	}
	b, ok := toFloat(delta)
	if !ok {
		return nil, fmt.Errorf("arithmetic op with non-numeric operand")
	}
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "&":
		return float64(int64(a) & int64(b)), nil
	case "|":
		return float64(int64(a) | int64(b)), nil
	case "^":
		return float64(int64(a) ^ int64(b)), nil
	}
	return nil, fmt.Errorf("unknown arithmetic op %q", op)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	}
	return 0, false
}
