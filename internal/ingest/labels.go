package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// LabelMode selects how a label file is parsed.
type LabelMode string

const (
	LabelModeAuto LabelMode = "auto"
	LabelModeCSV  LabelMode = "csv"
	LabelModeJSON LabelMode = "json"
	LabelModeNone LabelMode = "none"
)

var ErrInvalidLabels = errors.New("invalid label file")

func ParseLabelMode(s string) (LabelMode, error) {
	switch m := LabelMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return LabelModeAuto, nil
	case LabelModeAuto, LabelModeCSV, LabelModeJSON, LabelModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown labeling mode %q", ErrInvalidLabels, s)
	}
}

// LabelMap maps image names (with or without extension) to labels. Keys keep
// the order they first appeared in the source file; a repeated key takes the
// later value.
type LabelMap struct {
	keys   []string
	values map[string]string
}

func NewLabelMap() *LabelMap {
	return &LabelMap{values: make(map[string]string)}
}

// Set records value for key. Rows with a blank key or label carry no label
// and are ignored.
func (m *LabelMap) Set(key, value string) {
	if key == "" || value == "" {
		return
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *LabelMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *LabelMap) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

func (m *LabelMap) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Lookup finds the label for filename, trying the full name first and then the
// name without its extension. It returns the key that matched.
func (m *LabelMap) Lookup(filename string) (key, label string, ok bool) {
	if label, ok := m.Get(filename); ok {
		return filename, label, true
	}
	stem := strings.TrimSuffix(filename, path.Ext(filename))
	if label, ok := m.Get(stem); ok {
		return stem, label, true
	}
	return "", "", false
}

// ParseLabels reads a label file. It returns nil for LabelModeNone or empty
// input.
func ParseLabels(data []byte, mode LabelMode) (*LabelMap, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if mode == LabelModeNone || len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if mode == LabelModeAuto {
		mode = LabelModeCSV
		if trimmed := bytes.TrimSpace(data); trimmed[0] == '{' {
			mode = LabelModeJSON
		}
	}
	if mode == LabelModeJSON {
		return parseJSONLabels(data)
	}
	return parseCSVLabels(data)
}

func parseCSVLabels(data []byte) (*LabelMap, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	labels := NewLabelMap()
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLabels, err)
		}
		if len(row) < 2 {
			continue
		}
		labels.Set(strings.TrimSpace(row[0]), strings.TrimSpace(row[1]))
	}
	return labels, nil
}

// parseJSONLabels walks the object token by token to keep key order.
func parseJSONLabels(data []byte) (*LabelMap, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLabels, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidLabels)
	}

	labels := NewLabelMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLabels, err)
		}
		key, _ := keyTok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLabels, err)
		}
		label, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: label for %q is not a string", ErrInvalidLabels, key)
		}
		labels.Set(strings.TrimSpace(key), strings.TrimSpace(label))
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLabels, err)
	}
	return labels, nil
}
