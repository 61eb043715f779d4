package remote

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrogringo/recsync/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remote.db")
	s, err := Open(context.Background(), "sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)", opts)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var fecha = time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)

func testRecommendation(id string) *record.Recommendation {
	return &record.Recommendation{
		ID:     id,
		UserID: "u1",
		NoHoja: "7",
		Fecha:  fecha,
		Estado: record.EstadoEnTratamiento,
		DatosAgricultor: record.Agricultor{
			Nombre:   "Luis",
			DNI:      "111",
			Adelanto: decimal.RequireFromString("10.5"),
		},
		DetallesProductos: []record.ProductoDetalle{
			{Producto: "Urea", Cantidad: decimal.NewFromInt(3), Unidad: "kg"},
		},
		Imagen:       record.RemoteAsset("https://cdn/upload/a.jpg"),
		FirmaTecnico: record.PendingAsset("blob-9"),
		Seguimiento: record.Seguimiento{
			FotoAntes: record.PendingAsset("blob-1"),
		},
		SyncStatus:                  record.StatusModified,
		TimestampUltimaModificacion: fecha.Add(time.Hour),
	}
}

func TestEncodeDocument(t *testing.T) {
	doc, err := EncodeDocument(testRecommendation("r1"))
	if err != nil {
		t.Fatalf("EncodeDocument() failed: %v", err)
	}

	if _, ok := doc["syncStatus"]; ok {
		t.Error("syncStatus crossed the boundary")
	}

	for _, key := range []string{"firmaTecnico", "firmaAgricultor", "recomendaciones", "cultivo"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("field %q missing, want explicit value", key)
		}
	}
	if doc["firmaTecnico"] != nil || doc["recomendaciones"] != nil {
		t.Errorf("pending/unset fields not null: firmaTecnico=%v recomendaciones=%v", doc["firmaTecnico"], doc["recomendaciones"])
	}
	seg, ok := doc["seguimiento"].(map[string]any)
	if !ok {
		t.Fatalf("seguimiento = %T, want object", doc["seguimiento"])
	}
	if seg["fotoAntes"] != nil {
		t.Errorf("nested pending asset = %v, want null", seg["fotoAntes"])
	}
	if doc["imagen"] != "https://cdn/upload/a.jpg" {
		t.Errorf("imagen = %v", doc["imagen"])
	}

	ts, ok := doc["fecha"].(Timestamp)
	if !ok || !ts.Time().Equal(fecha) {
		t.Errorf("fecha = %#v, want Timestamp of %v", doc["fecha"], fecha)
	}
}

func TestEncodeDocument_DoesNotMutate(t *testing.T) {
	rec := testRecommendation("r1")
	if _, err := EncodeDocument(rec); err != nil {
		t.Fatalf("EncodeDocument() failed: %v", err)
	}
	if !rec.FirmaTecnico.IsPending() || rec.SyncStatus != record.StatusModified {
		t.Error("EncodeDocument modified its input")
	}
}

func TestDecodeDocument(t *testing.T) {
	doc, err := EncodeDocument(testRecommendation("r1"))
	if err != nil {
		t.Fatalf("EncodeDocument() failed: %v", err)
	}

	rec, err := DecodeDocument(doc)
	if err != nil {
		t.Fatalf("DecodeDocument() failed: %v", err)
	}
	if rec.ID != "r1" || rec.SyncStatus != record.StatusSynced {
		t.Errorf("DecodeDocument() = id %q status %q", rec.ID, rec.SyncStatus)
	}
	if !rec.Fecha.Equal(fecha) {
		t.Errorf("Fecha = %v, want %v", rec.Fecha, fecha)
	}
	if !rec.DatosAgricultor.Adelanto.Equal(decimal.RequireFromString("10.5")) {
		t.Errorf("Adelanto = %s", rec.DatosAgricultor.Adelanto)
	}
	if !rec.FirmaTecnico.IsEmpty() {
		t.Errorf("FirmaTecnico = %v, want empty", rec.FirmaTecnico)
	}

	if _, err := DecodeDocument(Document{"userId": "u1"}); err == nil {
		t.Error("DecodeDocument() accepted a document without id")
	}
	if _, err := DecodeDocument(Document{"id": "x", "fecha": true}); err == nil {
		t.Error("DecodeDocument() accepted a boolean fecha")
	}
}

func TestStore_CreateOrReplaceIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	doc, _ := EncodeDocument(testRecommendation("r1"))
	for i := 0; i < 2; i++ {
		if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
			t.Fatalf("CreateOrReplace() #%d failed: %v", i+1, err)
		}
	}

	docs, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("List() returned %d documents, want 1", len(docs))
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, ok := got["fecha"].(Timestamp); !ok {
		t.Errorf("fecha = %T, want Timestamp", got["fecha"])
	}
	rec, err := DecodeDocument(got)
	if err != nil {
		t.Fatalf("DecodeDocument() failed: %v", err)
	}
	if rec.DetallesProductos[0].Producto != "Urea" {
		t.Errorf("round trip lost productos: %+v", rec.DetallesProductos)
	}
}

func TestStore_ServerTimestamp(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	doc, _ := EncodeDocument(testRecommendation("r1"))
	if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}
	got, _ := s.Get(ctx, "r1")
	ts, ok := got["timestampUltimaModificacion"].(Timestamp)
	if !ok || !ts.Time().Equal(now) {
		t.Errorf("timestampUltimaModificacion = %v, want server time %v", got["timestampUltimaModificacion"], now)
	}
}

func TestStore_WriteValidation(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	var werr *WriteError
	if err := s.CreateOrReplace(ctx, "r1", Document{"fecha": TimestampOf(fecha)}); !errors.As(err, &werr) {
		t.Errorf("CreateOrReplace() without userId = %v, want WriteError", err)
	}
	if err := s.CreateOrReplace(ctx, "r1", Document{"userId": "u1"}); !errors.As(err, &werr) {
		t.Errorf("CreateOrReplace() without fecha = %v, want WriteError", err)
	}
}

func TestStore_Patch(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	if err := s.Patch(ctx, "missing", Document{"estado": "Finalizado"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Patch(missing) = %v, want ErrNotFound", err)
	}

	doc, _ := EncodeDocument(testRecommendation("r1"))
	if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}
	if err := s.Patch(ctx, "r1", Document{"estado": "Finalizado", "faseTratamiento": nil}); err != nil {
		t.Fatalf("Patch() failed: %v", err)
	}

	got, _ := s.Get(ctx, "r1")
	if got["estado"] != "Finalizado" {
		t.Errorf("estado = %v, want Finalizado", got["estado"])
	}
	if v, ok := got["faseTratamiento"]; !ok || v != nil {
		t.Errorf("faseTratamiento = %v (present %v), want explicit null", v, ok)
	}
	if got["noHoja"] != "7" {
		t.Errorf("untouched field lost: noHoja = %v", got["noHoja"])
	}
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	doc, _ := EncodeDocument(testRecommendation("r1"))
	if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "r1"); err != nil {
			t.Fatalf("Delete() #%d failed: %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete = %v, want ErrNotFound", err)
	}
}

func TestStore_ListOrderAndOwner(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()

	for i, id := range []string{"old", "new", "mid"} {
		rec := testRecommendation(id)
		rec.Fecha = fecha.Add(time.Duration([]int{0, 2, 1}[i]) * 24 * time.Hour)
		doc, _ := EncodeDocument(rec)
		if err := s.CreateOrReplace(ctx, id, doc); err != nil {
			t.Fatalf("CreateOrReplace(%s) failed: %v", id, err)
		}
	}
	other := testRecommendation("theirs")
	other.UserID = "u2"
	doc, _ := EncodeDocument(other)
	if err := s.CreateOrReplace(ctx, "theirs", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}

	docs, err := s.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	want := []string{"new", "mid", "old"}
	if len(docs) != len(want) {
		t.Fatalf("List() returned %d, want %d", len(docs), len(want))
	}
	for i, d := range docs {
		if d.ID() != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, d.ID(), want[i])
		}
	}
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps [][]Document
	ch    chan struct{}
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{ch: make(chan struct{}, 16)}
}

func (r *snapshotRecorder) onSnapshot(docs []Document) {
	r.mu.Lock()
	r.snaps = append(r.snaps, docs)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *snapshotRecorder) wait(t *testing.T) []Document {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func (r *snapshotRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestSubscribe_DeliversOnChange(t *testing.T) {
	s := openTestStore(t, Options{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	rec := newSnapshotRecorder()
	sub := s.Subscribe(ctx, "u1", rec.onSnapshot, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	defer sub.Unsubscribe()

	// First poll delivers even when empty.
	if docs := rec.wait(t); len(docs) != 0 {
		t.Errorf("initial snapshot = %d docs, want 0", len(docs))
	}

	doc, _ := EncodeDocument(testRecommendation("r1"))
	if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}
	if docs := rec.wait(t); len(docs) != 1 || docs[0].ID() != "r1" {
		t.Errorf("snapshot after create = %v", docs)
	}

	// A rewrite of the same document is a change.
	if err := s.CreateOrReplace(ctx, "r1", doc); err != nil {
		t.Fatalf("CreateOrReplace() failed: %v", err)
	}
	rec.wait(t)

	// No writes: no further snapshots.
	n := rec.count()
	time.Sleep(50 * time.Millisecond)
	if rec.count() != n {
		t.Errorf("snapshot delivered without a change")
	}

	if err := s.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if docs := rec.wait(t); len(docs) != 0 {
		t.Errorf("snapshot after delete = %d docs, want 0", len(docs))
	}
}

func TestSubscribe_ErrorStopsListener(t *testing.T) {
	s := openTestStore(t, Options{PollInterval: 10 * time.Millisecond})

	errs := make(chan error, 4)
	rec := newSnapshotRecorder()
	sub := s.Subscribe(context.Background(), "u1", rec.onSnapshot, func(err error) { errs <- err })
	rec.wait(t)

	if _, err := s.conn.Exec(`DROP TABLE recommendations`); err != nil {
		t.Fatalf("DROP TABLE failed: %v", err)
	}

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("onError not called")
	}
	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("listener still running after error")
	}
	if len(errs) != 0 {
		t.Error("onError called more than once")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestSubscribe_UnsubscribeWaits(t *testing.T) {
	s := openTestStore(t, Options{PollInterval: 10 * time.Millisecond})

	rec := newSnapshotRecorder()
	sub := s.Subscribe(context.Background(), "u1", rec.onSnapshot, nil)
	rec.wait(t)

	sub.Unsubscribe()
	select {
	case <-sub.Done():
	default:
		t.Fatal("Unsubscribe() returned before the listener stopped")
	}
}
