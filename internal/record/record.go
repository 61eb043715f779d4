// Package record provides the data model for recommendation sheets.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Estado is the treatment state of a recommendation sheet.
type Estado string

const (
	EstadoPendiente     Estado = "Pendiente"
	EstadoEnTratamiento Estado = "En tratamiento"
	EstadoFinalizado    Estado = "Finalizado"
)

// Valid reports whether e is one of the known states.
func (e Estado) Valid() bool {
	switch e {
	case EstadoPendiente, EstadoEnTratamiento, EstadoFinalizado:
		return true
	}
	return false
}

// Recommendation is a single recommendation sheet.
//
// The JSON form is what the local store persists. Fields deliberately carry
// no omitempty tags: the remote document encoder relies on every field being
// present so that unset values cross the wire as explicit nulls.
type Recommendation struct {
	// ===== Identity (immutable) =====
	ID     string `json:"id" validate:"required"`
	UserID string `json:"userId" validate:"required"`
	NoHoja string `json:"noHoja"`

	// ===== Sheet content =====
	Fecha           time.Time `json:"fecha" validate:"required"`
	Estado          Estado    `json:"estado" validate:"estado"`
	FaseTratamiento string    `json:"faseTratamiento"`

	DatosAgricultor Agricultor `json:"datosAgricultor"`
	DatosTecnico    Tecnico    `json:"datosTecnico"`

	Cultivo     string `json:"cultivo"`
	Diagnostico string `json:"diagnostico"`

	DetallesProductos []ProductoDetalle `json:"detallesProductos" validate:"dive"`
	Recomendaciones   []string          `json:"recomendaciones"`

	// ===== Binary assets (URL or pending local blob) =====
	Imagen          Asset       `json:"imagen"`
	Seguimiento     Seguimiento `json:"seguimiento"`
	FirmaAgricultor Asset       `json:"firmaAgricultor"`
	FirmaTecnico    Asset       `json:"firmaTecnico"`

	// ===== Local bookkeeping =====
	SyncStatus                  SyncStatus `json:"syncStatus"`
	TimestampUltimaModificacion time.Time  `json:"timestampUltimaModificacion"`
}

// Agricultor holds the farmer's contact and identity data.
type Agricultor struct {
	Nombre       string          `json:"nombre"`
	DNI          string          `json:"dni"`
	Celular      string          `json:"celular"`
	Direccion    string          `json:"direccion"`
	Adelanto     decimal.Decimal `json:"adelanto"`
	Distrito     string          `json:"distrito"`
	Provincia    string          `json:"provincia"`
	Departamento string          `json:"departamento"`
}

// Tecnico holds the technician's identity data.
type Tecnico struct {
	Nombre   string `json:"nombre"`
	Email    string `json:"email"`
	CIP      string `json:"cip"`
	Telefono string `json:"telefono"`
}

// ProductoDetalle is one line of the product table.
type ProductoDetalle struct {
	Producto string          `json:"producto"`
	Cantidad decimal.Decimal `json:"cantidad"`
	Unidad   string          `json:"unidad"`
	FormaUso string          `json:"formaUso"`
}

// String renders the line the way it appears on exported sheets.
func (p ProductoDetalle) String() string {
	return strings.TrimSpace(fmt.Sprintf("%s (%s %s)", p.Producto, p.Cantidad.String(), p.Unidad))
}

// Seguimiento is the follow-up section of a sheet.
type Seguimiento struct {
	FotoAntes     Asset  `json:"fotoAntes"`
	FotoDespues   Asset  `json:"fotoDespues"`
	Observaciones string `json:"observaciones"`
}

// AssetSlot names one binary field of a record and points at it.
type AssetSlot struct {
	Name  string
	Asset *Asset
}

// Slot names accepted by AssetSlots and Slot.
const (
	SlotImagen          = "imagen"
	SlotFotoAntes       = "seguimiento.fotoAntes"
	SlotFotoDespues     = "seguimiento.fotoDespues"
	SlotFirmaAgricultor = "firmaAgricultor"
	SlotFirmaTecnico    = "firmaTecnico"
)

// AssetSlots returns every binary field of r in a fixed order.
// The pointers alias r, so writes through them modify the record.
func (r *Recommendation) AssetSlots() []AssetSlot {
	return []AssetSlot{
		{Name: SlotImagen, Asset: &r.Imagen},
		{Name: SlotFotoAntes, Asset: &r.Seguimiento.FotoAntes},
		{Name: SlotFotoDespues, Asset: &r.Seguimiento.FotoDespues},
		{Name: SlotFirmaAgricultor, Asset: &r.FirmaAgricultor},
		{Name: SlotFirmaTecnico, Asset: &r.FirmaTecnico},
	}
}

// Slot returns the asset field with the given name.
func (r *Recommendation) Slot(name string) (*Asset, bool) {
	for _, s := range r.AssetSlots() {
		if s.Name == name {
			return s.Asset, true
		}
	}
	return nil, false
}

// PendingAssets returns the slots still holding local blobs.
func (r *Recommendation) PendingAssets() []AssetSlot {
	var out []AssetSlot
	for _, s := range r.AssetSlots() {
		if s.Asset.IsPending() {
			out = append(out, s)
		}
	}
	return out
}

// RemoteURLs returns every non-empty remote URL referenced by r.
func (r *Recommendation) RemoteURLs() []string {
	var out []string
	for _, s := range r.AssetSlots() {
		if s.Asset.IsRemote() {
			out = append(out, s.Asset.URL())
		}
	}
	return out
}

// Clone returns a deep copy of r.
func (r *Recommendation) Clone() *Recommendation {
	c := *r
	if r.DetallesProductos != nil {
		c.DetallesProductos = append([]ProductoDetalle(nil), r.DetallesProductos...)
	}
	if r.Recomendaciones != nil {
		c.Recomendaciones = append([]string(nil), r.Recomendaciones...)
	}
	return &c
}

// ClientProfile is the denormalized farmer entry used for autocomplete.
// It is derived from records and can be rebuilt from them at any time.
type ClientProfile struct {
	DNI          string    `json:"dni"`
	Nombre       string    `json:"nombre"`
	Celular      string    `json:"celular"`
	Direccion    string    `json:"direccion"`
	Distrito     string    `json:"distrito"`
	Provincia    string    `json:"provincia"`
	Departamento string    `json:"departamento"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ClientProfile derives the autocomplete entry for the record's farmer.
// It returns false when the record has no farmer ID.
func (r *Recommendation) ClientProfile() (ClientProfile, bool) {
	a := r.DatosAgricultor
	dni := strings.TrimSpace(a.DNI)
	if dni == "" {
		return ClientProfile{}, false
	}
	return ClientProfile{
		DNI:          dni,
		Nombre:       a.Nombre,
		Celular:      a.Celular,
		Direccion:    a.Direccion,
		Distrito:     a.Distrito,
		Provincia:    a.Provincia,
		Departamento: a.Departamento,
		UpdatedAt:    r.TimestampUltimaModificacion,
	}, true
}

// ReadFile reads a recommendation from a JSON file.
func ReadFile(path string) (*Recommendation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recommendation file: %w", err)
	}

	var rec Recommendation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse recommendation JSON: %w", err)
	}
	return &rec, nil
}
