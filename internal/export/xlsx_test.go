package export

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/agrogringo/recsync/internal/record"
)

func sampleRecord() *record.Recommendation {
	return &record.Recommendation{
		ID:              "r1",
		UserID:          "u1",
		NoHoja:          "007",
		Fecha:           time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC),
		Estado:          record.EstadoEnTratamiento,
		FaseTratamiento: "Primera aplicación",
		DatosAgricultor: record.Agricultor{
			Nombre:    "Rosa Quispe",
			DNI:       "40112233",
			Celular:   "987654321",
			Direccion: "Jr. Lima 123",
			Provincia: "Huancayo",
			Distrito:  "El Tambo",
			Adelanto:  decimal.RequireFromString("150.5"),
		},
		DatosTecnico: record.Tecnico{Nombre: "Luis Pérez", Email: "luis@example.com"},
		Cultivo:      "Papa",
		Diagnostico:  "Rancha",
		DetallesProductos: []record.ProductoDetalle{
			{Producto: "Fungicida X", Cantidad: decimal.NewFromInt(2), Unidad: "L"},
			{Producto: ""},
			{Producto: "Abono Y", Cantidad: decimal.NewFromInt(10), Unidad: "kg"},
		},
		Recomendaciones: []string{"Riego moderado", "Aplicar al atardecer"},
		Seguimiento:     record.Seguimiento{Observaciones: "Revisar en 7 días"},
	}
}

func TestRow(t *testing.T) {
	row := Row(sampleRecord())
	if len(row) != len(Columns) {
		t.Fatalf("len(Row) = %d, want %d", len(row), len(Columns))
	}

	want := map[string]string{
		"N° Hoja":          "007",
		"Fecha":            "09/03/2025",
		"Fase Tratamiento": "Primera aplicación",
		"Adelanto (S/.)":   "150.50",
		"Productos":        "Fungicida X (2 L)\nAbono Y (10 kg)",
		"Recomendaciones":  "Riego moderado, Aplicar al atardecer",
		"Técnico Email":    "luis@example.com",
	}
	for i, col := range Columns {
		if w, ok := want[col]; ok && row[i] != w {
			t.Errorf("%s = %q, want %q", col, row[i], w)
		}
	}
}

func TestRow_Defaults(t *testing.T) {
	rec := &record.Recommendation{Fecha: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)}
	row := Row(rec)

	if got := row[indexOf(Columns, "Fase Tratamiento")]; got != "N/A" {
		t.Errorf("Fase Tratamiento = %q, want N/A", got)
	}
	if got := row[indexOf(Columns, "Adelanto (S/.)")]; got != "0.00" {
		t.Errorf("Adelanto = %q, want 0.00", got)
	}
	if got := row[productsColumn]; got != "" {
		t.Errorf("Productos = %q, want empty", got)
	}
}

func TestWriteXLSX(t *testing.T) {
	second := sampleRecord()
	second.NoHoja = "008"
	second.DatosAgricultor.Nombre = "Juan Mamani"

	var buf bytes.Buffer
	if err := WriteXLSX(&buf, []*record.Recommendation{sampleRecord(), second}); err != nil {
		t.Fatalf("WriteXLSX() failed: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("failed to open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	if err != nil {
		t.Fatalf("GetRows() failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "N° Hoja" || rows[0][len(Columns)-1] != "Observaciones Finales" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "007" || rows[2][0] != "008" {
		t.Errorf("sheet numbers = %q, %q", rows[1][0], rows[2][0])
	}
	if rows[2][4] != "Juan Mamani" {
		t.Errorf("second farmer = %q", rows[2][4])
	}
}

func TestWriteXLSX_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteXLSX(&buf, nil); !errors.Is(err, ErrNoRecords) {
		t.Errorf("WriteXLSX(nil) = %v, want ErrNoRecords", err)
	}
	if buf.Len() != 0 {
		t.Error("WriteXLSX(nil) wrote output")
	}
}

func TestFileName(t *testing.T) {
	now := time.Date(2025, 11, 4, 18, 0, 0, 0, time.UTC)

	tests := []struct {
		prefix string
		want   string
	}{
		{"", "Recomendaciones_AgroGringo_2025-11-04.xlsx"},
		{"Campaña", "Campaña_2025-11-04.xlsx"},
	}
	for _, tt := range tests {
		if got := FileName(tt.prefix, now); got != tt.want {
			t.Errorf("FileName(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}
