package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrDuplicateSize        = errors.New("size already exists")
	ErrDuplicateMeasurement = errors.New("measurement already exists")
	ErrUnknownSize          = errors.New("unknown size")
	ErrUnknownMeasurement   = errors.New("unknown measurement")
	ErrInvalidCell          = errors.New("size chart value must be numeric")
	ErrReservedMeasurement  = errors.New("measurement name is reserved for the size column")
)

// SizeChart is the canonical size/measurement table. Sizes keep their order,
// measurement names are lower-cased and unique, and every (size, measurement)
// pair has a cell, empty when unknown.
type SizeChart struct {
	Sizes        []string                     `json:"sizes"`
	Measurements []string                     `json:"measurements"`
	Cells        map[string]map[string]string `json:"cells"`
}

func NewSizeChart() *SizeChart {
	return &SizeChart{Cells: map[string]map[string]string{}}
}

// DefaultSizeChart is the blank S/M/L/XL × chest/waist template offered when a
// product has no chart.
func DefaultSizeChart() *SizeChart {
	c := NewSizeChart()
	for _, m := range []string{"chest", "waist"} {
		_ = c.AddMeasurement(m)
	}
	for _, s := range []string{"S", "M", "L", "XL"} {
		_ = c.AddSize(s)
	}
	return c
}

func (c *SizeChart) hasSize(size string) bool {
	for _, s := range c.Sizes {
		if s == size {
			return true
		}
	}
	return false
}

func (c *SizeChart) hasMeasurement(m string) bool {
	for _, x := range c.Measurements {
		if x == m {
			return true
		}
	}
	return false
}

func (c *SizeChart) AddSize(size string) error {
	size = strings.TrimSpace(size)
	if size == "" {
		return fmt.Errorf("%w: empty size name", ErrUnknownSize)
	}
	if c.hasSize(size) {
		return fmt.Errorf("%w: %s", ErrDuplicateSize, size)
	}
	c.Sizes = append(c.Sizes, size)
	row := make(map[string]string, len(c.Measurements))
	for _, m := range c.Measurements {
		row[m] = ""
	}
	c.Cells[size] = row
	return nil
}

func (c *SizeChart) RemoveSize(size string) {
	for i, s := range c.Sizes {
		if s == size {
			c.Sizes = append(c.Sizes[:i], c.Sizes[i+1:]...)
			break
		}
	}
	delete(c.Cells, size)
}

func (c *SizeChart) AddMeasurement(name string) error {
	m := strings.ToLower(strings.TrimSpace(name))
	if m == "" {
		return fmt.Errorf("%w: empty measurement name", ErrUnknownMeasurement)
	}
	if isSizeKey(m) {
		return fmt.Errorf("%w: %s", ErrReservedMeasurement, m)
	}
	if c.hasMeasurement(m) {
		return fmt.Errorf("%w: %s", ErrDuplicateMeasurement, m)
	}
	c.Measurements = append(c.Measurements, m)
	for _, s := range c.Sizes {
		c.Cells[s][m] = ""
	}
	return nil
}

func (c *SizeChart) RemoveMeasurement(name string) {
	m := strings.ToLower(name)
	for i, x := range c.Measurements {
		if x == m {
			c.Measurements = append(c.Measurements[:i], c.Measurements[i+1:]...)
			break
		}
	}
	for _, row := range c.Cells {
		delete(row, m)
	}
}

// Set stores value for (size, measurement). Values must be empty or numeric.
func (c *SizeChart) Set(size, measurement, value string) error {
	m := strings.ToLower(measurement)
	if isSizeKey(m) {
		return fmt.Errorf("%w: %s", ErrReservedMeasurement, m)
	}
	if !c.hasSize(size) {
		return fmt.Errorf("%w: %s", ErrUnknownSize, size)
	}
	if !c.hasMeasurement(m) {
		return fmt.Errorf("%w: %s", ErrUnknownMeasurement, measurement)
	}
	value = strings.TrimSpace(value)
	if value != "" && !isNumericCell(value) {
		return fmt.Errorf("%w: %s/%s=%q", ErrInvalidCell, size, m, value)
	}
	c.Cells[size][m] = value
	return nil
}

func (c *SizeChart) Get(size, measurement string) string {
	return c.Cells[size][strings.ToLower(measurement)]
}

// isNumericCell accepts finite decimal numbers only. ParseFloat alone would
// also take NaN, Inf and hex floats.
func isNumericCell(v string) bool {
	if strings.ContainsAny(v, "xX_") {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	return err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// IsEmpty reports whether the chart carries no submittable data.
func (c *SizeChart) IsEmpty() bool {
	if c == nil || len(c.Sizes) == 0 || len(c.Measurements) == 0 {
		return true
	}
	for _, s := range c.Sizes {
		for _, m := range c.Measurements {
			if c.Cells[s][m] != "" {
				return false
			}
		}
	}
	return true
}

func (c *SizeChart) Clone() *SizeChart {
	if c == nil {
		return nil
	}
	out := &SizeChart{
		Sizes:        append([]string(nil), c.Sizes...),
		Measurements: append([]string(nil), c.Measurements...),
		Cells:        make(map[string]map[string]string, len(c.Cells)),
	}
	for s, row := range c.Cells {
		r := make(map[string]string, len(row))
		for k, v := range row {
			r[k] = v
		}
		out.Cells[s] = r
	}
	return out
}

// SizeChartField is one key/value cell of a size chart row.
type SizeChartField struct {
	Key   string
	Value string
}

// SizeChartRow is a size chart row in the catalogue's record format. Field
// order is preserved through JSON encoding.
type SizeChartRow []SizeChartField

func (r SizeChartRow) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range r {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (r *SizeChartRow) UnmarshalJSON(data []byte) error {
	fields, err := decodeObject(json.NewDecoder(bytes.NewReader(data)))
	if err != nil {
		return err
	}
	row := make(SizeChartRow, 0, len(fields))
	for _, f := range fields {
		row = append(row, SizeChartField{Key: f.key, Value: cellString(f.value)})
	}
	*r = row
	return nil
}

// Get returns the value under key, matched case-insensitively.
func (r SizeChartRow) Get(key string) (string, bool) {
	for _, f := range r {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return "", false
}

type rawField struct {
	key   string
	value any
}

type rawRow []rawField

func isSizeKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	return k == "size" || k == "brand size"
}

// NormalizeSizeChart converts a size chart as stored in product records into
// canonical form. raw may be decoded rows or their JSON text. It returns nil
// when the input is absent, not a non-empty list, or has no size column.
func NormalizeSizeChart(raw any) *SizeChart {
	rows, ok := chartRows(raw)
	if !ok || len(rows) == 0 {
		return nil
	}

	chart := NewSizeChart()
	for _, row := range rows {
		for _, f := range row {
			if isSizeKey(f.key) {
				continue
			}
			m := strings.ToLower(strings.TrimSpace(f.key))
			if m != "" && !chart.hasMeasurement(m) {
				chart.Measurements = append(chart.Measurements, m)
			}
		}
	}

	for _, row := range rows {
		size := row.size()
		if size == "" || chart.hasSize(size) {
			continue
		}
		chart.Sizes = append(chart.Sizes, size)
		cells := make(map[string]string, len(chart.Measurements))
		for _, m := range chart.Measurements {
			cells[m] = ""
		}
		for _, f := range row {
			if isSizeKey(f.key) {
				continue
			}
			m := strings.ToLower(strings.TrimSpace(f.key))
			if m != "" && cells[m] == "" {
				cells[m] = cellString(f.value)
			}
		}
		chart.Cells[size] = cells
	}
	if len(chart.Sizes) == 0 {
		return nil
	}
	return chart
}

// DenormalizeSizeChart renders the chart back into the row format the
// catalogue expects: a "Size" key followed by capitalized measurement keys.
// Empty cells are left out. It returns nil for a chart with nothing to submit.
func DenormalizeSizeChart(c *SizeChart) []SizeChartRow {
	if c.IsEmpty() {
		return nil
	}
	rows := make([]SizeChartRow, 0, len(c.Sizes))
	for _, s := range c.Sizes {
		row := SizeChartRow{{Key: "Size", Value: s}}
		for _, m := range c.Measurements {
			if v := c.Cells[s][m]; v != "" {
				row = append(row, SizeChartField{Key: capitalize(m), Value: v})
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

// size prefers a "Size" column over "Brand Size" when a row has both.
func (r rawRow) size() string {
	var brand string
	for _, f := range r {
		switch strings.ToLower(strings.TrimSpace(f.key)) {
		case "size":
			if s := cellString(f.value); s != "" {
				return s
			}
		case "brand size":
			if brand == "" {
				brand = cellString(f.value)
			}
		}
	}
	return brand
}

func chartRows(raw any) ([]rawRow, bool) {
	switch v := raw.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, false
		}
		return decodeRows([]byte(v))
	case []byte:
		return decodeRows(v)
	case json.RawMessage:
		return decodeRows(v)
	case []SizeChartRow:
		rows := make([]rawRow, 0, len(v))
		for _, r := range v {
			row := make(rawRow, 0, len(r))
			for _, f := range r {
				row = append(row, rawField{key: f.Key, value: f.Value})
			}
			rows = append(rows, row)
		}
		return rows, true
	case []map[string]any:
		rows := make([]rawRow, 0, len(v))
		for _, m := range v {
			rows = append(rows, rowFromMap(m))
		}
		return rows, true
	case []map[string]string:
		rows := make([]rawRow, 0, len(v))
		for _, m := range v {
			generic := make(map[string]any, len(m))
			for k, x := range m {
				generic[k] = x
			}
			rows = append(rows, rowFromMap(generic))
		}
		return rows, true
	case []any:
		rows := make([]rawRow, 0, len(v))
		for _, x := range v {
			if m, ok := x.(map[string]any); ok {
				rows = append(rows, rowFromMap(m))
			}
		}
		return rows, true
	}
	return nil, false
}

// rowFromMap sorts keys since Go maps carry no order.
func rowFromMap(m map[string]any) rawRow {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	row := make(rawRow, 0, len(keys))
	for _, k := range keys {
		row = append(row, rawField{key: k, value: m[k]})
	}
	return row
}

func decodeRows(data []byte) ([]rawRow, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false
	}
	// product records sometimes hold the chart JSON as a quoted string
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, false
		}
		return chartRows(inner)
	}
	if data[0] != '[' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	var rows []rawRow
	for dec.More() {
		var probe json.RawMessage
		if err := dec.Decode(&probe); err != nil {
			return nil, false
		}
		probe = bytes.TrimSpace(probe)
		if len(probe) == 0 || probe[0] != '{' {
			continue
		}
		inner := json.NewDecoder(bytes.NewReader(probe))
		inner.UseNumber()
		row, err := decodeObject(inner)
		if err != nil {
			return nil, false
		}
		rows = append(rows, row)
	}
	return rows, true
}

// decodeObject reads one JSON object keeping its key order.
func decodeObject(dec *json.Decoder) (rawRow, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("size chart row is not an object")
	}
	var row rawRow
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("size chart row has non-string key")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		row = append(row, rawField{key: key, value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return row, nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
