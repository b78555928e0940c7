package normalize

import (
	"github.com/buger/jsonparser"
)

// Generic renders a non-financial payload that is an array of flat objects as
// a plain grid. Columns follow first-seen key order; nested values are kept as
// compact JSON. ok is false for any other shape.
func Generic(raw []byte) (headers []string, rows [][]string, ok bool) {
	value, typ, _, err := jsonparser.Get(raw)
	if err != nil || typ != jsonparser.Array {
		return nil, nil, false
	}

	var objects [][]byte
	allObjects := true
	jsonparser.ArrayEach(value, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
		if vt != jsonparser.Object {
			allObjects = false
			return
		}
		objects = append(objects, v)
	})
	if !allObjects || len(objects) == 0 {
		return nil, nil, false
	}

	index := make(map[string]int)
	for _, obj := range objects {
		jsonparser.ObjectEach(obj, func(k, _ []byte, _ jsonparser.ValueType, _ int) error {
			key := unescape(k)
			if _, seen := index[key]; !seen {
				index[key] = len(headers)
				headers = append(headers, key)
			}
			return nil
		})
	}

	for _, obj := range objects {
		row := make([]string, len(headers))
		jsonparser.ObjectEach(obj, func(k, v []byte, vt jsonparser.ValueType, _ int) error {
			i := index[unescape(k)]
			switch vt {
			case jsonparser.Object, jsonparser.Array:
				row[i] = string(v)
			default:
				row[i] = scalarText(v, vt)
			}
			return nil
		})
		rows = append(rows, row)
	}
	return headers, rows, true
}
