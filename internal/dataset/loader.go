package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/types"
)

// headerAliases maps compacted spreadsheet headers to raw record keys.
var headerAliases = map[string]string{
	"id":           "id",
	"callid":       "id",
	"call":         "id",
	"assistantid":  "assistantId",
	"assistant":    "assistantId",
	"agent":        "assistantId",
	"agentid":      "assistantId",
	"transcript":   "transcript",
	"duration":     "duration",
	"durationsec":  "duration",
	"startedat":    "startedAt",
	"start":        "startedAt",
	"createdat":    "createdAt",
	"endedat":      "endedAt",
	"end":          "endedAt",
	"status":       "status",
	"endedreason":  "endedReason",
	"cost":         "cost",
	"messages":     "messages",
	"conversation": "conversation",
}

// Load reads raw call records from a .json or .xlsx file. JSON may be an
// array of records or an object wrapping one under calls, results or data.
func Load(path string) ([]types.RawCallRecord, error) {
	log := logger.New().WithField("component", "dataset.loader").WithField("path", path)

	var (
		records []types.RawCallRecord
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		records, err = loadWorkbook(path)
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		records, err = ParseJSON(data)
	}
	if err != nil {
		log.WithError(err).Error("dataset load failed")
		return nil, err
	}
	log.WithField("records", len(records)).Info("dataset loaded")
	return records, nil
}

// ParseJSON decodes raw call records. Numbers are kept as json.Number.
func ParseJSON(data []byte) ([]types.RawCallRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	var list []any
	switch t := v.(type) {
	case []any:
		list = t
	case map[string]any:
		for _, k := range []string{"calls", "results", "data"} {
			if l, ok := t[k].([]any); ok {
				list = l
				break
			}
		}
		if list == nil {
			// a single record
			list = []any{t}
		}
	default:
		return nil, fmt.Errorf("unsupported json root %T", v)
	}

	out := make([]types.RawCallRecord, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, types.RawCallRecord(m))
		}
	}
	return out, nil
}

func loadWorkbook(path string) ([]types.RawCallRecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	keys := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		keys[i] = headerKey(h)
	}

	var out []types.RawCallRecord
	for _, r := range rows[1:] {
		rec := types.RawCallRecord{}
		for i, cell := range r {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			rec[keys[i]] = cellValue(cell)
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func headerKey(h string) string {
	h = strings.TrimSpace(h)
	compact := strings.NewReplacer(" ", "", "_", "", "-", "", "(s)", "").Replace(strings.ToLower(h))
	if k, ok := headerAliases[compact]; ok {
		return k
	}
	return h
}

// cellValue decodes cells holding JSON objects or arrays, such as an
// exported messages column.
func cellValue(cell string) any {
	if strings.HasPrefix(cell, "[") || strings.HasPrefix(cell, "{") {
		dec := json.NewDecoder(strings.NewReader(cell))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			return v
		}
	}
	return cell
}

// Save writes records as an indented JSON array.
func Save(path string, records []types.RawCallRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
