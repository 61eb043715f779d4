// Package export renders recommendation sheets as spreadsheets.
package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/agrogringo/recsync/internal/record"
)

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "Recomendaciones"

// DefaultPrefix is the file name prefix used when none is given.
const DefaultPrefix = "Recomendaciones_AgroGringo"

// ErrNoRecords is returned when there is nothing to export.
var ErrNoRecords = errors.New("no records to export")

const (
	minColWidth = 15
	maxColWidth = 50
)

// Columns lists the header row in output order.
var Columns = []string{
	"N° Hoja",
	"Fecha",
	"Estado",
	"Fase Tratamiento",
	"Cliente Nombre",
	"Cliente DNI/RUC",
	"Cliente Celular",
	"Cliente Dirección",
	"Provincia",
	"Distrito",
	"Adelanto (S/.)",
	"Cultivo",
	"Diagnóstico",
	"Productos",
	"Recomendaciones",
	"Técnico Nombre",
	"Técnico Email",
	"Observaciones Finales",
}

// Row flattens a record into cell values matching Columns.
func Row(rec *record.Recommendation) []string {
	fase := rec.FaseTratamiento
	if fase == "" {
		fase = "N/A"
	}

	var productos []string
	for _, p := range rec.DetallesProductos {
		if strings.TrimSpace(p.Producto) == "" {
			continue
		}
		productos = append(productos, p.String())
	}

	a := rec.DatosAgricultor
	return []string{
		rec.NoHoja,
		rec.Fecha.Format("02/01/2006"),
		string(rec.Estado),
		fase,
		a.Nombre,
		a.DNI,
		a.Celular,
		a.Direccion,
		a.Provincia,
		a.Distrito,
		a.Adelanto.StringFixed(2),
		rec.Cultivo,
		rec.Diagnostico,
		strings.Join(productos, "\n"),
		strings.Join(rec.Recomendaciones, ", "),
		rec.DatosTecnico.Nombre,
		rec.DatosTecnico.Email,
		rec.Seguimiento.Observaciones,
	}
}

// WriteXLSX writes recs as a single-sheet workbook, one row per record.
func WriteXLSX(w io.Writer, recs []*record.Recommendation) error {
	if len(recs) == 0 {
		return ErrNoRecords
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	widths := make([]int, len(Columns))
	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
		widths[i] = utf8.RuneCountInString(c)
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, rec := range recs {
		values := Row(rec)
		row := make([]any, len(values))
		for j, v := range values {
			row[j] = v
			for _, line := range strings.Split(v, "\n") {
				widths[j] = max(widths[j], utf8.RuneCountInString(line))
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	for i, width := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		width = min(max(width, minColWidth), maxColWidth)
		if err := f.SetColWidth(SheetName, col, col, float64(width)); err != nil {
			return fmt.Errorf("failed to size column %s: %w", col, err)
		}
	}

	// Products are one per line inside the cell.
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return fmt.Errorf("failed to create style: %w", err)
	}
	productCol, _ := excelize.ColumnNumberToName(productsColumn + 1)
	if err := f.SetColStyle(SheetName, productCol, wrap); err != nil {
		return fmt.Errorf("failed to style products column: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

var productsColumn = indexOf(Columns, "Productos")

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// FileName returns "<prefix>_<YYYY-MM-DD>.xlsx" for now. An empty prefix uses
// DefaultPrefix.
func FileName(prefix string, now time.Time) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_%s.xlsx", prefix, now.Format("2006-01-02"))
}
