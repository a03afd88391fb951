package registry

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/fractal-lba/orion/internal/model"
	"github.com/fractal-lba/orion/internal/model/additive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trainedAdditive(t *testing.T) *additive.Model {
	t.Helper()
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	s := model.Series{}
	for i := 0; i < 120; i++ {
		s.Dates = append(s.Dates, start.AddDate(0, 0, i))
		s.Values = append(s.Values, 20+0.1*float64(i))
	}
	m := additive.New(additive.DefaultOptions())
	_, err := m.Train(s)
	require.NoError(t, err)
	return m
}

func TestRegistry_SaveLoadRestore(t *testing.T) {
	dir := t.TempDir()
	reg, err := New(dir)
	require.NoError(t, err)

	m := trainedAdditive(t)
	snap, err := m.Snapshot()
	require.NoError(t, err)
	snap.Entity = "product:p1"

	rec, err := reg.Save(snap)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Len(t, rec.Digest, 64)

	info, err := os.Stat(rec.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode().Perm())

	reopened, err := New(dir)
	require.NoError(t, err)
	latest, ok := reopened.Latest("product:p1", model.KindAdditive)
	require.True(t, ok)
	assert.Equal(t, rec.ID, latest.ID)

	loaded, err := reopened.Load(rec.ID)
	require.NoError(t, err)
	restored, err := Restore(loaded)
	require.NoError(t, err)

	want, err := m.Predict(7, 0.95)
	require.NoError(t, err)
	got, err := restored.Predict(7, 0.95)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want.Predictions(), got.Predictions(), 1e-9)
}

func TestRegistry_DetectsTampering(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	snap, err := trainedAdditive(t).Snapshot()
	require.NoError(t, err)
	rec, err := reg.Save(snap)
	require.NoError(t, err)

	snap.Entity = "tampered"
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.Chmod(rec.Path, 0644))
	require.NoError(t, os.WriteFile(rec.Path, data, 0644))

	_, err = reg.Load(rec.ID)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestRegistry_Errors(t *testing.T) {
	reg, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = reg.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := &model.Snapshot{ID: "fixed", Kind: model.KindEnsemble, Params: json.RawMessage(`{}`), State: json.RawMessage(`{}`)}
	_, err = reg.Save(snap)
	require.NoError(t, err)
	_, err = reg.Save(snap)
	assert.Error(t, err, "ids are immutable")

	_, err = Restore(snap)
	assert.Error(t, err)
	assert.Len(t, reg.List(), 1)
}
