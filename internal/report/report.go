// Package report writes run reports to disk as JSON and as an Excel
// workbook for the coaching team.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"qci-scorer-go/internal/types"
)

// Sheet names, in workbook order.
const (
	SheetAgents   = "Agents"
	SheetCalls    = "Calls"
	SheetFailures = "Failures"
	SheetInvalid  = "Invalid"
)

// WriteJSON encodes the report with indentation.
func WriteJSON(w io.Writer, rep *types.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteJSONFile writes the report to path.
func WriteJSONFile(path string, rep *types.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteJSON(f, rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteWorkbook saves the report as an xlsx file with one sheet per
// outcome set.
func WriteWorkbook(path string, rep *types.Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetAgents); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	for _, name := range []string{SheetCalls, SheetFailures, SheetInvalid} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("new sheet %s: %w", name, err)
		}
	}

	actions := map[string]types.ActionCard{}
	for _, a := range rep.Actions {
		actions[a.Key] = a
	}

	agentRows := [][]any{{"Agent", "Calls", "Mean QCI", "Dynamics", "Objections", "Brand", "Outcome", "Pass Count", "Pass Rate", "Personas", "Insight", "Action"}}
	for _, s := range rep.Agents {
		a := actions[s.Key]
		agentRows = append(agentRows, []any{s.Key, s.Count, s.MeanTotal, s.MeanDynamics, s.MeanObjections, s.MeanBrand, s.MeanOutcome, s.PassCount, s.PassRate, strings.Join(s.Personas, ", "), a.Insight, a.Action})
	}

	callRows := [][]any{{"Call ID", "Agent", "Duration (s)", "QCI", "Dynamics", "Objections", "Brand", "Outcome", "Classification", "Attempts", "Cost (USD)", "Coaching Tips"}}
	for _, c := range rep.Scored {
		callRows = append(callRows, []any{c.ID, c.AssistantID, c.DurationSeconds, c.Score.Total, c.Score.Dynamics, c.Score.Objections, c.Score.Brand, c.Score.Outcome, c.Score.Classification, c.AttemptCount, c.CostUSD, strings.Join(c.Score.CoachingTips, " | ")})
	}

	failRows := [][]any{{"Call ID", "Agent", "Outcome", "Error Kind", "Attempts", "Reason"}}
	for _, c := range rep.Failed {
		failRows = append(failRows, []any{c.ID, c.AssistantID, "failed", c.ErrorKind, c.AttemptCount, c.Reason})
	}
	for _, c := range rep.NotAttempted {
		failRows = append(failRows, []any{c.ID, c.AssistantID, "not_attempted", "", 0, c.Reason})
	}

	invalidRows := [][]any{{"Call ID", "Agent", "Duration (s)", "Turns", "Reasons", "Parse Error"}}
	for _, c := range rep.Invalid {
		invalidRows = append(invalidRows, []any{c.ID, c.AssistantID, c.DurationSeconds, len(c.Turns), strings.Join(c.InvalidReasons, ", "), c.ParseError})
	}

	for sheet, rows := range map[string][][]any{
		SheetAgents:   agentRows,
		SheetCalls:    callRows,
		SheetFailures: failRows,
		SheetInvalid:  invalidRows,
	} {
		if err := writeRows(f, sheet, rows); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

// FileSink writes each report to the configured paths. Empty paths are
// skipped.
type FileSink struct {
	JSONPath string
	XLSXPath string
}

// Publish implements the pipeline sink contract.
func (s FileSink) Publish(_ context.Context, rep *types.Report) error {
	if s.JSONPath != "" {
		if err := WriteJSONFile(s.JSONPath, rep); err != nil {
			return err
		}
	}
	if s.XLSXPath != "" {
		if err := WriteWorkbook(s.XLSXPath, rep); err != nil {
			return err
		}
	}
	return nil
}

// Name identifies the sink in logs.
func (s FileSink) Name() string { return "file" }
