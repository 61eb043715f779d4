package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agrogringo/recsync/internal/record"
)

// openTestStore opens a store in a temporary directory
func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecommendation(id, user string, fecha time.Time, status record.SyncStatus) *record.Recommendation {
	return &record.Recommendation{
		ID:     id,
		UserID: user,
		Fecha:  fecha,
		Estado: record.EstadoPendiente,
		DatosAgricultor: record.Agricultor{
			Nombre: "Farmer " + id,
			DNI:    "DNI-" + id,
		},
		SyncStatus:                  status,
		TimestampUltimaModificacion: fecha,
	}
}

var day = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

// TestOpen_Success tests database creation and schema initialization
func TestOpen_Success(t *testing.T) {
	st := openTestStore(t)

	tables := []string{"recommendations", "blobs", "client_profiles", "asset_deletions"}
	for _, table := range tables {
		var count int
		err := st.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	if err := st.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestPutGet(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := testRecommendation("r1", "u1", day, record.StatusPending)
	rec.Seguimiento.FotoAntes = record.PendingAsset("h1")
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := st.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.UserID != "u1" || !got.Fecha.Equal(day) || got.SyncStatus != record.StatusPending {
		t.Errorf("Get() = %+v", got)
	}
	if got.Seguimiento.FotoAntes.Handle() != "h1" {
		t.Errorf("FotoAntes = %v, want pending h1", got.Seguimiento.FotoAntes)
	}

	// Put replaces
	rec.Cultivo = "Papa"
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	got, _ = st.Get(ctx, "r1")
	if got.Cultivo != "Papa" {
		t.Errorf("Cultivo = %q, want Papa", got.Cultivo)
	}
}

func TestPut_RejectsInvalid(t *testing.T) {
	st := openTestStore(t)
	rec := testRecommendation("r1", "", day, record.StatusPending)

	var verr *record.ValidationError
	if err := st.Put(context.Background(), rec); !errors.As(err, &verr) {
		t.Errorf("Put() = %v, want ValidationError", err)
	}
}

func TestGet_NotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() = %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecommendation("r1", "u1", day, record.StatusSynced)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	estado := record.EstadoFinalizado
	status := record.StatusModified
	got, err := st.Update(ctx, "r1", record.Patch{Estado: &estado, SyncStatus: &status})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if got.Estado != record.EstadoFinalizado || got.SyncStatus != record.StatusModified {
		t.Errorf("Update() = %+v", got)
	}

	list, err := st.List(ctx, Filter{Estado: record.EstadoFinalizado})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("estado column not updated, List() returned %d", len(list))
	}

	if _, err := st.Update(ctx, "missing", record.Patch{Estado: &estado}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	handle, err := st.PutBlob(ctx, Blob{ContentType: "image/jpeg", Data: []byte("jpeg")})
	if err != nil {
		t.Fatalf("PutBlob() failed: %v", err)
	}
	rec := testRecommendation("r1", "u1", day, record.StatusPending)
	rec.Imagen = record.PendingAsset(handle)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := st.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := st.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after Delete: %v", err)
	}
	if _, err := st.GetBlob(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Errorf("blob still present after Delete: %v", err)
	}

	if err := st.Delete(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestList_Filters(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	recs := []*record.Recommendation{
		testRecommendation("a", "u1", day, record.StatusSynced),
		testRecommendation("b", "u1", day.Add(48*time.Hour), record.StatusPending),
		testRecommendation("c", "u1", day.Add(24*time.Hour), record.StatusDeleted),
		testRecommendation("d", "u2", day, record.StatusSynced),
	}
	recs[1].DatosAgricultor.Nombre = "María Quispe"
	recs[1].Estado = record.EstadoEnTratamiento
	for _, r := range recs {
		if err := st.Put(ctx, r); err != nil {
			t.Fatalf("Put(%s) failed: %v", r.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"user ordered by fecha desc", Filter{UserID: "u1"}, []string{"b", "a"}},
		{"include deleted", Filter{UserID: "u1", IncludeDeleted: true}, []string{"b", "c", "a"}},
		{"estado", Filter{Estado: record.EstadoEnTratamiento}, []string{"b"}},
		{"from", Filter{UserID: "u1", From: day.Add(time.Hour)}, []string{"b"}},
		{"to", Filter{UserID: "u1", To: day}, []string{"a"}},
		{"text name", Filter{Text: "quispe"}, []string{"b"}},
		{"text dni", Filter{Text: "DNI-d"}, []string{"d"}},
		{"statuses", Filter{SyncStatuses: []record.SyncStatus{record.StatusDeleted}}, []string{"c"}},
		{"limit", Filter{UserID: "u1", Limit: 1}, []string{"b"}},
		{"like wildcard is literal", Filter{Text: "%"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() failed: %v", err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("List() = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("List()[%d] = %s, want %s", i, ids[i], tt.want[i])
				}
			}
		})
	}
}

func TestListUnsyncedAndCounts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	statuses := []record.SyncStatus{record.StatusSynced, record.StatusPending, record.StatusModified, record.StatusDeleted}
	for i, s := range statuses {
		r := testRecommendation(string(rune('a'+i)), "u1", day, s)
		r.TimestampUltimaModificacion = day.Add(time.Duration(i) * time.Minute)
		if err := st.Put(ctx, r); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	unsynced, err := st.ListUnsynced(ctx, "")
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(unsynced) != 3 {
		t.Fatalf("ListUnsynced() returned %d, want 3", len(unsynced))
	}
	if unsynced[0].ID != "b" {
		t.Errorf("ListUnsynced()[0] = %s, want oldest modification b", unsynced[0].ID)
	}

	counts, err := st.Counts(ctx, "u1")
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	for _, s := range statuses {
		if counts[s] != 1 {
			t.Errorf("Counts()[%s] = %d, want 1", s, counts[s])
		}
	}
}

func TestMarkSynced_Conditional(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := testRecommendation("r1", "u1", day, record.StatusModified)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	// A newer edit lands: the observed modification time is stale.
	later := day.Add(time.Minute)
	if _, err := st.Update(ctx, "r1", record.Patch{TimestampUltimaModificacion: &later}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	ok, err := st.MarkSynced(ctx, "r1", record.StatusModified, day)
	if err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if ok {
		t.Error("MarkSynced() succeeded with a stale modification time")
	}

	ok, err = st.MarkSynced(ctx, "r1", record.StatusModified, later)
	if err != nil || !ok {
		t.Fatalf("MarkSynced() = %v, %v; want true", ok, err)
	}
	got, _ := st.Get(ctx, "r1")
	if got.SyncStatus != record.StatusSynced {
		t.Errorf("SyncStatus = %s, want synced", got.SyncStatus)
	}

	if _, err := st.MarkSynced(ctx, "r1", record.StatusSynced, later); err == nil {
		t.Error("MarkSynced() from synced should fail")
	}
}

func TestResolveAsset(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	handle, err := st.PutBlob(ctx, Blob{Data: []byte("png")})
	if err != nil {
		t.Fatalf("PutBlob() failed: %v", err)
	}
	rec := testRecommendation("r1", "u1", day, record.StatusPending)
	rec.FirmaTecnico = record.PendingAsset(handle)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	ok, err := st.ResolveAsset(ctx, "r1", record.SlotFirmaTecnico, handle, "https://cdn/upload/f.png")
	if err != nil || !ok {
		t.Fatalf("ResolveAsset() = %v, %v; want true", ok, err)
	}

	got, _ := st.Get(ctx, "r1")
	if got.FirmaTecnico.URL() != "https://cdn/upload/f.png" {
		t.Errorf("FirmaTecnico = %v", got.FirmaTecnico)
	}
	if got.SyncStatus != record.StatusPending || !got.TimestampUltimaModificacion.Equal(day) {
		t.Error("ResolveAsset changed bookkeeping fields")
	}
	if _, err := st.GetBlob(ctx, handle); !errors.Is(err, ErrNotFound) {
		t.Errorf("blob not dropped after checkpoint: %v", err)
	}

	// Slot no longer holds the handle.
	ok, err = st.ResolveAsset(ctx, "r1", record.SlotFirmaTecnico, handle, "https://cdn/upload/g.png")
	if err != nil || ok {
		t.Errorf("second ResolveAsset() = %v, %v; want false", ok, err)
	}

	if _, err := st.ResolveAsset(ctx, "r1", "bogus", handle, "x"); err == nil {
		t.Error("ResolveAsset() accepted unknown slot")
	}
}

func TestPurgeDeleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecommendation("del", "u1", day, record.StatusDeleted)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := st.Put(ctx, testRecommendation("keep", "u1", day, record.StatusModified)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if ok, err := st.PurgeDeleted(ctx, "del"); err != nil || !ok {
		t.Errorf("PurgeDeleted(del) = %v, %v; want true", ok, err)
	}
	if ok, err := st.PurgeDeleted(ctx, "keep"); err != nil || ok {
		t.Errorf("PurgeDeleted(keep) = %v, %v; want false", ok, err)
	}
	if ok, err := st.PurgeDeleted(ctx, "missing"); err != nil || ok {
		t.Errorf("PurgeDeleted(missing) = %v, %v; want false", ok, err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, testRecommendation("r1", "u1", day, record.StatusPending)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() = %v, want boom", err)
	}
	if _, err := st.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Error("write survived a rolled back transaction")
	}
}

func TestWithTx_Serialized(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecommendation("r1", "u1", day, record.StatusPending)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	// Concurrent read-modify-write increments must not lose updates.
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithTx(ctx, func(tx *Tx) error {
				rec, err := tx.Get(ctx, "r1")
				if err != nil {
					return err
				}
				rec.Recomendaciones = append(rec.Recomendaciones, "x")
				return tx.Put(ctx, rec)
			})
			if err != nil {
				t.Errorf("WithTx() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := st.Get(ctx, "r1")
	if len(got.Recomendaciones) != n {
		t.Errorf("len(Recomendaciones) = %d, want %d", len(got.Recomendaciones), n)
	}
}

func TestLastSheetNumber(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if got, err := st.LastSheetNumber(ctx); err != nil || got != "" {
		t.Fatalf("LastSheetNumber() on empty store = %q, %v", got, err)
	}

	for i, n := range []string{"9", "10", "002"} {
		r := testRecommendation(string(rune('a'+i)), "u1", day, record.StatusSynced)
		r.NoHoja = n
		if err := st.Put(ctx, r); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	got, err := st.LastSheetNumber(ctx)
	if err != nil {
		t.Fatalf("LastSheetNumber() failed: %v", err)
	}
	if got != "10" {
		t.Errorf("LastSheetNumber() = %q, want 10", got)
	}
}

func TestClientProfiles(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := record.ClientProfile{DNI: "123", Nombre: "Old Name", UpdatedAt: day}
	newer := record.ClientProfile{DNI: "123", Nombre: "Juan Pérez", Celular: "999", UpdatedAt: day.Add(time.Hour)}

	if err := st.UpsertClientProfile(ctx, newer); err != nil {
		t.Fatalf("UpsertClientProfile() failed: %v", err)
	}
	if err := st.UpsertClientProfile(ctx, old); err != nil {
		t.Fatalf("UpsertClientProfile() failed: %v", err)
	}

	p, err := st.GetClientProfile(ctx, "123")
	if err != nil {
		t.Fatalf("GetClientProfile() failed: %v", err)
	}
	if p.Nombre != "Juan Pérez" {
		t.Errorf("older profile overwrote newer: %+v", p)
	}

	found, err := st.SearchClientProfiles(ctx, "pérez", 10)
	if err != nil {
		t.Fatalf("SearchClientProfiles() failed: %v", err)
	}
	if len(found) != 1 {
		t.Errorf("SearchClientProfiles() returned %d, want 1", len(found))
	}
	found, _ = st.SearchClientProfiles(ctx, "12", 10)
	if len(found) != 1 {
		t.Errorf("DNI prefix search returned %d, want 1", len(found))
	}

	if _, err := st.GetClientProfile(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClientProfile(missing) = %v, want ErrNotFound", err)
	}
}

func TestRebuildClientProfiles(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i, s := range []record.SyncStatus{record.StatusSynced, record.StatusPending, record.StatusDeleted} {
		if err := st.Put(ctx, testRecommendation(string(rune('a'+i)), "u1", day, s)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
	if err := st.UpsertClientProfile(ctx, record.ClientProfile{DNI: "stale", UpdatedAt: day}); err != nil {
		t.Fatalf("UpsertClientProfile() failed: %v", err)
	}

	n, err := st.RebuildClientProfiles(ctx)
	if err != nil {
		t.Fatalf("RebuildClientProfiles() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("RebuildClientProfiles() = %d, want 2", n)
	}
	if _, err := st.GetClientProfile(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Error("stale profile survived rebuild")
	}
}

func TestAssetDeletionQueue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for _, u := range []string{"https://a/upload/1.jpg", "https://a/upload/2.jpg", "https://a/upload/1.jpg"} {
		if err := st.QueueAssetDeletion(ctx, u); err != nil {
			t.Fatalf("QueueAssetDeletion() failed: %v", err)
		}
	}

	pending, err := st.PendingAssetDeletions(ctx, 0)
	if err != nil {
		t.Fatalf("PendingAssetDeletions() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("PendingAssetDeletions() = %d, want 2", len(pending))
	}

	if err := st.FailAssetDeletion(ctx, pending[0].URL, errors.New("timeout")); err != nil {
		t.Fatalf("FailAssetDeletion() failed: %v", err)
	}
	if err := st.CompleteAssetDeletion(ctx, pending[1].URL); err != nil {
		t.Fatalf("CompleteAssetDeletion() failed: %v", err)
	}

	pending, _ = st.PendingAssetDeletions(ctx, 0)
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastError != "timeout" {
		t.Errorf("PendingAssetDeletions() = %+v", pending)
	}
}

func TestHeldAssetDeletion_ReleasedOnSync(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec := testRecommendation("r1", "u1", day, record.StatusModified)
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	const old = "https://a/upload/old.jpg"
	err := st.WithTx(ctx, func(tx *Tx) error { return tx.HoldAssetDeletion(ctx, old, "r1") })
	if err != nil {
		t.Fatalf("HoldAssetDeletion() failed: %v", err)
	}

	pending, err := st.PendingAssetDeletions(ctx, 0)
	if err != nil {
		t.Fatalf("PendingAssetDeletions() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("held deletion is pending: %+v", pending)
	}

	// A stale confirmation leaves the hold in place.
	if ok, _ := st.MarkSynced(ctx, "r1", record.StatusModified, day.Add(-time.Minute)); ok {
		t.Fatal("MarkSynced() succeeded with a stale modification time")
	}
	pending, _ = st.PendingAssetDeletions(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("hold released by a stale MarkSynced: %+v", pending)
	}

	if ok, err := st.MarkSynced(ctx, "r1", record.StatusModified, day); err != nil || !ok {
		t.Fatalf("MarkSynced() = %v, %v; want true", ok, err)
	}
	pending, _ = st.PendingAssetDeletions(ctx, 0)
	if len(pending) != 1 || pending[0].URL != old {
		t.Errorf("PendingAssetDeletions() = %+v, want %s", pending, old)
	}
}

func TestHeldAssetDeletion_ReleasedOnPurge(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Put(ctx, testRecommendation("r1", "u1", day, record.StatusDeleted)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	err := st.WithTx(ctx, func(tx *Tx) error { return tx.HoldAssetDeletion(ctx, "https://a/upload/x.jpg", "r1") })
	if err != nil {
		t.Fatalf("HoldAssetDeletion() failed: %v", err)
	}
	if ok, err := st.PurgeDeleted(ctx, "r1"); err != nil || !ok {
		t.Fatalf("PurgeDeleted() = %v, %v; want true", ok, err)
	}
	pending, _ := st.PendingAssetDeletions(ctx, 0)
	if len(pending) != 1 {
		t.Errorf("PendingAssetDeletions() = %+v, want the released url", pending)
	}
}
