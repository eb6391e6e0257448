// Package excel mirrors normalized records into a local xlsx workbook.
package excel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/persistence"
)

const worksheet = "crypto_calls"

// Sink appends rows to a workbook, creating the worksheet and header row on
// the first write. The workbook is saved after every append so a crash
// loses at most the in-flight row.
type Sink struct {
	mu      sync.Mutex
	path    string
	file    *excelize.File
	nextRow int
}

// New opens the workbook at path, creating it (and its directory) when
// missing. Existing rows are preserved and appended after.
func New(path string) (*Sink, error) {
	if path == "" {
		path = "data/crypto_calls.xlsx"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workbook directory: %w", err)
		}
	}

	s := &Sink{path: path}
	if _, err := os.Stat(path); err == nil {
		file, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		s.file = file
		if idx, _ := file.GetSheetIndex(worksheet); idx >= 0 {
			rows, err := file.GetRows(worksheet)
			if err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to read workbook rows: %w", err)
			}
			// An empty worksheet still needs its header row.
			if len(rows) > 0 {
				s.nextRow = len(rows) + 1
			}
		}
	} else {
		s.file = excelize.NewFile()
	}
	return s, nil
}

// Name identifies the sink in health reports.
func (s *Sink) Name() string { return "excel" }

// AppendRow writes one record in the stable column order.
func (s *Sink) AppendRow(_ context.Context, call domain.CryptoCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextRow == 0 {
		if err := s.writeHeader(); err != nil {
			return err
		}
	}

	cell, err := excelize.CoordinatesToCellName(1, s.nextRow)
	if err != nil {
		return fmt.Errorf("failed to compute row cell: %w", err)
	}
	row := persistence.ProjectRow(call)
	if err := s.file.SetSheetRow(worksheet, cell, &row); err != nil {
		return fmt.Errorf("failed to write workbook row: %w", err)
	}
	if err := s.file.SaveAs(s.path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	s.nextRow++
	return nil
}

// writeHeader renames the default sheet on fresh workbooks and writes the
// header row. Runs under the sink mutex.
func (s *Sink) writeHeader() error {
	idx, err := s.file.GetSheetIndex(worksheet)
	if err != nil {
		return fmt.Errorf("failed to look up worksheet: %w", err)
	}
	if idx < 0 {
		list := s.file.GetSheetList()
		if len(list) == 1 && list[0] == "Sheet1" {
			if err := s.file.SetSheetName("Sheet1", worksheet); err != nil {
				return fmt.Errorf("failed to rename default sheet: %w", err)
			}
		} else if _, err := s.file.NewSheet(worksheet); err != nil {
			return fmt.Errorf("failed to create worksheet: %w", err)
		}
	}

	header := make([]interface{}, len(persistence.RowProjection))
	for i, name := range persistence.RowProjection {
		header[i] = name
	}
	if err := s.file.SetSheetRow(worksheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}
	s.nextRow = 2
	return nil
}

// Close saves any buffered state and releases the file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextRow > 0 {
		if err := s.file.SaveAs(s.path); err != nil {
			s.file.Close()
			return fmt.Errorf("failed to save workbook on close: %w", err)
		}
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close workbook: %w", err)
	}
	return nil
}
