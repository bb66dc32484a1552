package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/services/storage"
)

func newTestCatalog(t *testing.T, root string) *Service {
	t.Helper()
	cfg := &config.Config{StoragePath: root, MinFreeSpacePercent: 10, StorageMaxEvictionsPerRun: 1}
	return NewService(storage.NewService(cfg, nil, zerolog.Nop()), zerolog.Nop())
}

// writeMovie writes an ftyp+moov file describing samples frames over d.
func writeMovie(t *testing.T, path string, d time.Duration, samples uint32) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(90000, "video", "und")
	init.Moov.Mvhd.Timescale = 1000
	init.Moov.Mvhd.Duration = uint64(d / time.Millisecond)
	init.Moov.Trak.Mdia.Minf.Stbl.Stsz.SampleNumber = samples

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, init.Encode(f))
}

func TestDaysNewestFirst(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"20230101", "20230215", "20221230", "notadate"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
	}

	days, err := newTestCatalog(t, root).Days()
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, "20230215", days[0].Name)
	assert.Equal(t, "20221230", days[2].Name)
}

func TestDaysMissingRoot(t *testing.T) {
	days, err := newTestCatalog(t, filepath.Join(t.TempDir(), "missing")).Days()
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestRecordings(t *testing.T) {
	root := t.TempDir()
	day := filepath.Join(root, "20240301")
	writeMovie(t, filepath.Join(day, "14:03-14:05.mp4"), 15*time.Second, 90)
	require.NoError(t, os.WriteFile(filepath.Join(day, "record_140500.mp4"), []byte("partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(day, "notes.txt"), []byte("x"), 0o644))

	files, err := newTestCatalog(t, root).Recordings("20240301")
	require.NoError(t, err)
	require.Len(t, files, 2)

	done := files[0]
	assert.Equal(t, "14:03-14:05.mp4", done.Name)
	assert.True(t, done.Complete)
	assert.Equal(t, 90, done.Samples)
	assert.Equal(t, 15*time.Second, done.Duration)
	assert.Equal(t, "20240301", done.Date)

	partial := files[1]
	assert.Equal(t, "record_140500.mp4", partial.Name)
	assert.False(t, partial.Complete)
	assert.Equal(t, int64(len("partial")), partial.SizeBytes)
}

func TestRecordingsErrors(t *testing.T) {
	c := newTestCatalog(t, t.TempDir())

	_, err := c.Recordings("2024-03-01")
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = c.Recordings("20240301")
	assert.ErrorIs(t, err, ErrNotFound)
}
