package record

import "time"

// Patch is a partial update. Nil fields are left untouched by Apply.
type Patch struct {
	NoHoja            *string
	Fecha             *time.Time
	Estado            *Estado
	FaseTratamiento   *string
	DatosAgricultor   *Agricultor
	DatosTecnico      *Tecnico
	Cultivo           *string
	Diagnostico       *string
	DetallesProductos *[]ProductoDetalle
	Recomendaciones   *[]string
	Imagen            *Asset
	Seguimiento       *Seguimiento
	FirmaAgricultor   *Asset
	FirmaTecnico      *Asset

	SyncStatus                  *SyncStatus
	TimestampUltimaModificacion *time.Time
}

// Apply merges the set fields of p into r. ID and UserID are never changed.
func (p Patch) Apply(r *Recommendation) {
	if p.NoHoja != nil {
		r.NoHoja = *p.NoHoja
	}
	if p.Fecha != nil {
		r.Fecha = *p.Fecha
	}
	if p.Estado != nil {
		r.Estado = *p.Estado
	}
	if p.FaseTratamiento != nil {
		r.FaseTratamiento = *p.FaseTratamiento
	}
	if p.DatosAgricultor != nil {
		r.DatosAgricultor = *p.DatosAgricultor
	}
	if p.DatosTecnico != nil {
		r.DatosTecnico = *p.DatosTecnico
	}
	if p.Cultivo != nil {
		r.Cultivo = *p.Cultivo
	}
	if p.Diagnostico != nil {
		r.Diagnostico = *p.Diagnostico
	}
	if p.DetallesProductos != nil {
		r.DetallesProductos = append([]ProductoDetalle(nil), (*p.DetallesProductos)...)
	}
	if p.Recomendaciones != nil {
		r.Recomendaciones = append([]string(nil), (*p.Recomendaciones)...)
	}
	if p.Imagen != nil {
		r.Imagen = *p.Imagen
	}
	if p.Seguimiento != nil {
		r.Seguimiento = *p.Seguimiento
	}
	if p.FirmaAgricultor != nil {
		r.FirmaAgricultor = *p.FirmaAgricultor
	}
	if p.FirmaTecnico != nil {
		r.FirmaTecnico = *p.FirmaTecnico
	}
	if p.SyncStatus != nil {
		r.SyncStatus = *p.SyncStatus
	}
	if p.TimestampUltimaModificacion != nil {
		r.TimestampUltimaModificacion = *p.TimestampUltimaModificacion
	}
}

// Empty reports whether p changes no content field.
// Bookkeeping fields (SyncStatus, TimestampUltimaModificacion) are ignored.
func (p Patch) Empty() bool {
	return p.NoHoja == nil && p.Fecha == nil && p.Estado == nil &&
		p.FaseTratamiento == nil && p.DatosAgricultor == nil &&
		p.DatosTecnico == nil && p.Cultivo == nil && p.Diagnostico == nil &&
		p.DetallesProductos == nil && p.Recomendaciones == nil &&
		p.Imagen == nil && p.Seguimiento == nil &&
		p.FirmaAgricultor == nil && p.FirmaTecnico == nil
}
