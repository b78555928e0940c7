// Package normalize turns the backend's table payloads into a uniform
// financial table.
//
// The backend returns results in several nested shapes: flat arrays of
// metric rows, retrieved_data wrappers, fetched_data.retrieved_data wrappers
// and nested result arrays split by table/data type. Normalize detects the
// shape and reshapes it into ordered sections. Payloads that carry no
// financial data are handed back unchanged for generic rendering.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/buger/jsonparser"
)

// maxDepth bounds recursion into nested arrays and wrappers.
const maxDepth = 10

// Payload is the outcome of normalizing one backend table value.
type Payload struct {
	// Table is non-nil when the input carried recognizable financial data.
	Table Table
	// Raw is the parsed input, kept for generic rendering.
	Raw json.RawMessage
}

// Financial reports whether the payload normalized into a financial table.
func (p *Payload) Financial() bool {
	return p != nil && p.Table != nil
}

// Normalize parses a JSON document and reshapes it. It returns nil for empty,
// null or malformed input. A top-level JSON string is unwrapped once, since
// the backend sends the table both as an object and as encoded text.
func Normalize(data []byte) *Payload {
	return normalize(data, true)
}

// NormalizeValue normalizes an arbitrary value. Already-normalized payloads
// and tables are returned unchanged; strings are treated as JSON text.
func NormalizeValue(v any) *Payload {
	switch v := v.(type) {
	case nil:
		return nil
	case *Payload:
		return v
	case Payload:
		return &v
	case Table:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return &Payload{Table: v, Raw: raw}
	case json.RawMessage:
		return Normalize(v)
	case []byte:
		return Normalize(v)
	case string:
		return normalize([]byte(v), false)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return Normalize(data)
	}
}

func normalize(data []byte, unwrap bool) *Payload {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || !json.Valid(data) {
		return nil
	}
	value, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil
	}
	switch typ {
	case jsonparser.Null, jsonparser.NotExist:
		return nil
	case jsonparser.String:
		if !unwrap {
			return &Payload{Raw: data}
		}
		inner, err := jsonparser.ParseString(value)
		if err != nil {
			return nil
		}
		return normalize([]byte(inner), false)
	}

	p := &Payload{Raw: data}
	for _, detect := range shapes {
		if table, ok := detect(value, typ); ok {
			p.Table = table
			break
		}
	}
	return p
}

// shape recognizes one payload layout and reshapes it.
type shape func(data []byte, typ jsonparser.ValueType) (Table, bool)

// shapes are tried in order; the first match wins. Anything unmatched stays
// generic.
var shapes = []shape{canonicalShape, financialShape}

// canonicalShape accepts a table that was already normalized and serialized,
// which keeps Normalize idempotent across storage round trips.
func canonicalShape(data []byte, typ jsonparser.ValueType) (Table, bool) {
	if typ != jsonparser.Array {
		return nil, false
	}
	count := 0
	ok := true
	_, err := jsonparser.ArrayEach(data, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
		count++
		if vt != jsonparser.Object {
			ok = false
			return
		}
		_, ct := field(v, "company")
		_, rt := field(v, "results")
		_, st := field(v, "company_slug")
		if ct != jsonparser.String || rt != jsonparser.Array || st != jsonparser.NotExist {
			ok = false
		}
	})
	if err != nil || !ok || count == 0 {
		return nil, false
	}
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, false
	}
	return table, true
}

func financialShape(data []byte, typ jsonparser.ValueType) (Table, bool) {
	if !ContainsFinancialData(data, typ) {
		return nil, false
	}
	return transform(data, typ), true
}

// ContainsFinancialData reports whether any node, up to maxDepth levels deep,
// is a metric row (metric_name + company_slug), a fetched_data.retrieved_data
// wrapper around company data, a result array of company data, or a
// retrieved_data wrapper whose elements satisfy the same test.
func ContainsFinancialData(data []byte, typ jsonparser.ValueType) bool {
	return containsFinancial(data, typ, 0)
}

func containsFinancial(data []byte, typ jsonparser.ValueType, depth int) bool {
	if depth > maxDepth {
		return false
	}
	switch typ {
	case jsonparser.Array:
		return anyElement(data, func(v []byte, vt jsonparser.ValueType) bool {
			return containsFinancial(v, vt, depth+1)
		})
	case jsonparser.Object:
		if isMetricRow(data) {
			return true
		}
		if items, t := field(data, "fetched_data", "retrieved_data"); t == jsonparser.Array {
			return anyElement(items, func(v []byte, vt jsonparser.ValueType) bool {
				return isCompanyData(v, vt) || hasResultSections(v, vt)
			})
		}
		if hasResultSections(data, typ) {
			return true
		}
		if items, t := field(data, "retrieved_data"); t == jsonparser.Array {
			if isEmptyArray(items) {
				return true
			}
			return anyElement(items, func(v []byte, vt jsonparser.ValueType) bool {
				return isCompanyData(v, vt) || containsFinancial(v, vt, depth+1)
			})
		}
	}
	return false
}

// transform flattens the payload into raw items and reshapes them into
// sections keyed by (company, table type, data type) in first-seen order.
func transform(data []byte, typ jsonparser.ValueType) Table {
	var items [][]byte
	flatten(data, typ, 0, &items)

	b := newBuilder()
	for _, item := range items {
		b.addItem(item)
	}
	return b.table()
}

func flatten(data []byte, typ jsonparser.ValueType, depth int, out *[][]byte) {
	if depth > maxDepth {
		return
	}
	switch typ {
	case jsonparser.Array:
		jsonparser.ArrayEach(data, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
			flatten(v, vt, depth+1, out)
		})
	case jsonparser.Object:
		_, ft := field(data, "fetched_data")
		if isMetricRow(data) || ft == jsonparser.Object || hasResultSections(data, typ) || isCompanyData(data, typ) {
			*out = append(*out, data)
			return
		}
		if items, t := field(data, "retrieved_data"); t == jsonparser.Array {
			flatten(items, t, depth+1, out)
		}
	}
}

type sectionKey struct {
	company   string
	tableType string
	dataType  string
}

type builder struct {
	order    []sectionKey
	sections map[sectionKey]*Section
}

func newBuilder() *builder {
	return &builder{sections: make(map[sectionKey]*Section)}
}

func (b *builder) ensure(key sectionKey) *Section {
	s, ok := b.sections[key]
	if !ok {
		s = &Section{Company: key.company, TableType: key.tableType, DataType: key.dataType, Results: []Result{}}
		b.sections[key] = s
		b.order = append(b.order, key)
	}
	return s
}

func (b *builder) add(key sectionKey, r Result) {
	s := b.ensure(key)
	s.Results = append(s.Results, r)
}

func (b *builder) addItem(item []byte) {
	company := textField(item, "company_slug")
	metric := textField(item, "metric_name")
	if company != "" && metric != "" {
		b.ensure(sectionKey{company: company})
	}

	if fetched, t := field(item, "fetched_data", "retrieved_data"); t == jsonparser.Array {
		jsonparser.ArrayEach(fetched, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
			if vt != jsonparser.Object {
				return
			}
			if results, rt := field(v, "result"); rt == jsonparser.Array {
				b.addResultSections(results)
				return
			}
			slug := company
			if slug == "" {
				slug = textField(v, "company_slug")
			}
			if slug == "" {
				return
			}
			if values, dt := field(v, "data"); dt == jsonparser.Object {
				b.addMetrics(keyFor(slug, v), values)
			}
		})
		return
	}

	if results, t := field(item, "result"); t == jsonparser.Array {
		b.addResultSections(results)
		return
	}

	if metric == "" {
		if values, dt := field(item, "data"); dt == jsonparser.Object && company != "" {
			b.addMetrics(keyFor(company, item), values)
		}
		return
	}

	if company == "" {
		return
	}
	period := textField(item, "period")
	if period == "" {
		period = DefaultPeriod
	}
	b.add(sectionKey{company: company}, Result{
		MetricName:     metric,
		Period:         period,
		RawValue:       NotAvailable,
		FormattedValue: NotAvailable,
	})
}

func (b *builder) addResultSections(results []byte) {
	jsonparser.ArrayEach(results, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
		if !isCompanyData(v, vt) {
			return
		}
		values, _ := field(v, "data")
		b.addMetrics(keyFor(textField(v, "company_slug"), v), values)
	})
}

// addMetrics walks data[metric][period] in document order.
func (b *builder) addMetrics(key sectionKey, values []byte) {
	jsonparser.ObjectEach(values, func(mk, mv []byte, mt jsonparser.ValueType, _ int) error {
		if mt != jsonparser.Object {
			return nil
		}
		metric := unescape(mk)
		return jsonparser.ObjectEach(mv, func(pk, pv []byte, pt jsonparser.ValueType, _ int) error {
			if pt != jsonparser.Object {
				return nil
			}
			raw := periodValue(pv)
			b.add(key, Result{
				MetricName:     metric,
				Period:         unescape(pk),
				RawValue:       raw,
				FormattedValue: raw,
			})
			return nil
		})
	})
}

func (b *builder) table() Table {
	table := Table{}
	for _, key := range b.order {
		if s := b.sections[key]; len(s.Results) > 0 {
			table = append(table, *s)
		}
	}
	return table
}

func keyFor(company string, item []byte) sectionKey {
	return sectionKey{
		company:   company,
		tableType: textField(item, "table_type"),
		dataType:  textField(item, "data_type"),
	}
}

// periodValue picks raw_value, then numeric_value, then value, then N/A.
func periodValue(period []byte) string {
	for _, key := range []string{"raw_value", "numeric_value", "value"} {
		if s := textField(period, key); s != "" {
			return s
		}
	}
	return NotAvailable
}

func isMetricRow(obj []byte) bool {
	return textField(obj, "metric_name") != "" && textField(obj, "company_slug") != ""
}

func isCompanyData(v []byte, vt jsonparser.ValueType) bool {
	if vt != jsonparser.Object || textField(v, "company_slug") == "" {
		return false
	}
	_, dt := field(v, "data")
	return dt == jsonparser.Object
}

func hasResultSections(v []byte, vt jsonparser.ValueType) bool {
	if vt != jsonparser.Object {
		return false
	}
	results, t := field(v, "result")
	if t != jsonparser.Array {
		return false
	}
	return anyElement(results, isCompanyData)
}

func anyElement(arr []byte, pred func([]byte, jsonparser.ValueType) bool) bool {
	found := false
	jsonparser.ArrayEach(arr, func(v []byte, vt jsonparser.ValueType, _ int, _ error) {
		if !found && pred(v, vt) {
			found = true
		}
	})
	return found
}

func isEmptyArray(arr []byte) bool {
	return !anyElement(arr, func([]byte, jsonparser.ValueType) bool { return true })
}

func field(obj []byte, keys ...string) ([]byte, jsonparser.ValueType) {
	v, t, _, err := jsonparser.Get(obj, keys...)
	if err != nil {
		return nil, jsonparser.NotExist
	}
	return v, t
}

// textField returns a scalar field as display text, or "" when absent,
// null, empty or not a scalar.
func textField(obj []byte, key string) string {
	v, t := field(obj, key)
	return scalarText(v, t)
}

func scalarText(v []byte, t jsonparser.ValueType) string {
	switch t {
	case jsonparser.String:
		return unescape(v)
	case jsonparser.Number:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return string(v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	case jsonparser.Boolean:
		return string(v)
	}
	return ""
}

func unescape(b []byte) string {
	s, err := jsonparser.ParseString(b)
	if err != nil {
		return string(b)
	}
	return s
}
