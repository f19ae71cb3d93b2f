package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fortybyte/mudaeUtils/internal/db"
	"github.com/fortybyte/mudaeUtils/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	return New(gdb)
}

func sample(id string) *models.Instance {
	return &models.Instance{
		ID:            id,
		Token:         "enc-" + id,
		ChannelID:     "1000",
		QuotaCapacity: 10,
		Running:       true,
	}
}

func TestSaveGet(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(sample("a")))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "enc-a", got.Token)
	assert.True(t, got.Running)
}

func TestSave_Overwrites(t *testing.T) {
	s := testStore(t)
	inst := sample("a")
	require.NoError(t, s.Save(inst))

	inst.Running = false
	inst.Stats.TotalRolls = 7
	require.NoError(t, s.Save(inst))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, 7, got.Stats.TotalRolls)
}

func TestGet_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdate(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(sample("a")))

	require.NoError(t, s.Update("a", func(i *models.Instance) { i.Logging = true }))
	got, _ := s.Get("a")
	assert.True(t, got.Logging)

	err := s.Update("missing", func(*models.Instance) {})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDelete(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(sample("b")))
	require.NoError(t, s.Save(sample("a")))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("a"))
	list, _ = s.List()
	assert.Len(t, list, 1)
}

func TestUpdate_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(sample("a")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update("a", func(inst *models.Instance) { inst.Stats.TotalRolls++ })
		}()
	}
	wg.Wait()

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 20, got.Stats.TotalRolls)
}

func TestExportImport(t *testing.T) {
	src := testStore(t)
	a := sample("a")
	a.Stats.ClaimedNames = []string{"Rem", "Emilia"}
	require.NoError(t, src.Save(a))
	require.NoError(t, src.Save(sample("b")))

	var buf bytes.Buffer
	require.NoError(t, src.Export(&buf))
	assert.Contains(t, buf.String(), `"version": 1`)

	dst := testStore(t)
	imported, err := dst.Import(&buf)
	require.NoError(t, err)
	assert.Len(t, imported, 2)

	got, err := dst.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"Rem", "Emilia"}, got.Stats.ClaimedNames)
}

func TestExport_Empty(t *testing.T) {
	s := testStore(t)
	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))
	assert.Contains(t, buf.String(), `"instances": []`)
}

func TestImport_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad json", "{"},
		{"wrong version", `{"version": 9, "instances": []}`},
		{"missing token", `{"version": 1, "instances": [{"id": "x", "channelId": "1"}]}`},
		{"duplicate id", `{"version": 1, "instances": [{"id": "x", "token": "t", "channelId": "1"}, {"id": "x", "token": "u", "channelId": "1"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			_, err := s.Import(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestImport_InvalidRecordWritesNothing(t *testing.T) {
	s := testStore(t)
	doc := `{"version": 1, "instances": [
		{"id": "a", "token": "enc-a", "channelId": "1000"},
		{"id": "b", "channelId": "1000", "running": true}
	]}`

	_, err := s.Import(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record 1")

	_, err = s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveAll(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Save(sample("a")))

	updated := *sample("a")
	updated.QuotaCapacity = 5
	require.NoError(t, s.SaveAll([]models.Instance{updated, *sample("b")}))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 5, list[0].QuotaCapacity)
	assert.Equal(t, "b", list[1].ID)
}

func TestDecodeBackup(t *testing.T) {
	var buf bytes.Buffer
	src := testStore(t)
	require.NoError(t, src.Save(sample("a")))
	require.NoError(t, src.Export(&buf))

	b, err := DecodeBackup(&buf)
	require.NoError(t, err)
	require.Len(t, b.Instances, 1)
	assert.Equal(t, "a", b.Instances[0].ID)
	assert.Equal(t, BackupVersion, b.Version)
}
