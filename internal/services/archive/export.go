package archive

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/LeonardoBeccarini/aviary/internal/model"
)

var exportHeader = []string{"time", "temperature", "humidity", "light", "gas", "fan", "window"}

func exportRow(r model.HistoryRecord) []string {
	return []string{
		r.Time.UTC().Format(time.RFC3339),
		strconv.FormatFloat(r.Temperature, 'f', -1, 64),
		strconv.FormatFloat(r.Humidity, 'f', -1, 64),
		strconv.Itoa(r.Light),
		yesNo(r.GasDetected, "yes", "no"),
		yesNo(r.FanOn, "on", "off"),
		yesNo(r.WindowOpen, "open", "closed"),
	}
}

func yesNo(b bool, t, f string) string {
	if b {
		return t
	}
	return f
}

// WriteCSV writes records with a header row, in the order given.
func WriteCSV(w io.Writer, recs []model.HistoryRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range recs {
		if err := cw.Write(exportRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes records to a single "history" sheet.
func WriteXLSX(w io.Writer, recs []model.HistoryRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "history"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}

	for i, r := range recs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			r.Time.UTC().Format(time.RFC3339),
			r.Temperature,
			r.Humidity,
			r.Light,
			yesNo(r.GasDetected, "yes", "no"),
			yesNo(r.FanOn, "on", "off"),
			yesNo(r.WindowOpen, "open", "closed"),
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	_, err := f.WriteTo(w)
	return err
}
