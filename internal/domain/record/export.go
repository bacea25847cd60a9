package record

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/oralhealth/intake/internal/platform/filestore"
)

const exportSheet = "Records"

// ExportHeader is the first row of the record spreadsheet.
var ExportHeader = func() []string {
	h := []string{"Record ID", "Login ID", "Name (CN)", "Name (EN)", "Upload Time"}
	h = append(h, filestore.Slots...)
	h = append(h,
		"HRV RMSSD", "HRV SDNN", "HRV pNN50", "HRV Samples",
		"HRV2 RMSSD", "HRV2 SDNN", "HRV2 pNN50", "HRV2 Samples",
		"GSR Samples", "GSR2 Samples", "Pulse", "Recommend",
	)
	return h
}()

// WriteWorkbook renders records as an XLSX workbook to w.
func WriteWorkbook(w io.Writer, records []*Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeRow(f, 1, toCells(ExportHeader)); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(ExportHeader), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("set header style: %w", err)
	}
	if err := f.SetPanes(exportSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	for i, rec := range records {
		if err := writeRow(f, i+2, exportRow(rec)); err != nil {
			return err
		}
	}

	if err := f.SetColWidth(exportSheet, "A", "A", 38); err != nil {
		return err
	}
	if err := f.SetColWidth(exportSheet, "B", "E", 20); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, row int, cells []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(exportSheet, cell, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func exportRow(rec *Record) []interface{} {
	row := []interface{}{rec.ID.String(), rec.LoginID, "", "", rec.UploadDateTime.UTC().Format(time.RFC3339)}
	if rec.Patient != nil {
		row[2], row[3] = rec.Patient.NameCN, rec.Patient.NameEN
	}
	for _, slot := range filestore.Slots {
		row = append(row, rec.Photos.Get(slot))
	}
	row = append(row, hrvCells(rec.HRV)...)
	row = append(row, hrvCells(rec.HRV2)...)
	row = append(row, gsrCell(rec.GSR), gsrCell(rec.GSR2), pulseCell(rec.Pulse))
	if rec.Recommend != nil {
		row = append(row, *rec.Recommend)
	} else {
		row = append(row, "")
	}
	return row
}

func hrvCells(m *Measurement[HRV]) []interface{} {
	switch {
	case m == nil:
		return []interface{}{"", "", "", ""}
	case m.Data == nil:
		return []interface{}{m.Raw, "", "", ""}
	}
	h := m.Data
	return []interface{}{num(h.RMSSD), num(h.SDNN), num(h.PNN50), len(h.HeartBeat)}
}

func gsrCell(m *Measurement[GSR]) interface{} {
	switch {
	case m == nil:
		return ""
	case m.Data == nil:
		return m.Raw
	}
	return len(m.Data.RawIndex)
}

func pulseCell(m *Measurement[Pulse]) interface{} {
	switch {
	case m == nil:
		return ""
	case m.Data == nil:
		return m.Raw
	}
	n := 0
	for _, v := range append(m.Data.Left(), m.Data.Right()...) {
		if v != nil {
			n++
		}
	}
	return strconv.Itoa(n) + "/24"
}

func num(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
