package publisher

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvr-worker-go/internal/config"
	"dvr-worker-go/internal/models"
)

func newTestPublisher() (*Service, *int) {
	s := NewService(&config.Config{PreviewJPEGQuality: 80}, zerolog.Nop())
	calls := 0
	s.encodeFn = func(rgb []byte, w, h, quality int) ([]byte, error) {
		calls++
		return []byte{0xFF, 0xD8, rgb[0], byte(quality)}, nil
	}
	return s, &calls
}

func TestSnapshotWithoutFrame(t *testing.T) {
	s, _ := newTestPublisher()
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Nil(t, s.Latest())
}

func TestPublishCopiesFrame(t *testing.T) {
	s, _ := newTestPublisher()
	buf := []byte{1, 2, 3, 4, 5, 6}
	s.Publish(&models.Frame{Data: buf, Width: 2, Height: 1, Encoding: models.PixelRGB24})

	buf[0] = 99
	latest := s.Latest()
	require.NotNil(t, latest)
	assert.Equal(t, byte(1), latest.Data[0])
	assert.Equal(t, int64(1), s.FrameCount())
}

func TestSnapshotCachedPerFrame(t *testing.T) {
	s, calls := newTestPublisher()
	s.Publish(&models.Frame{Data: []byte{7, 0, 0}, Width: 1, Height: 1})

	a, err := s.Snapshot()
	require.NoError(t, err)
	b, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []byte{0xFF, 0xD8}, a[:2])
	assert.Equal(t, byte(80), a[3])

	s.Publish(&models.Frame{Data: []byte{9, 0, 0}, Width: 1, Height: 1})
	c, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, byte(9), c[2])
	assert.Equal(t, 2, *calls)
}

func TestReset(t *testing.T) {
	s, _ := newTestPublisher()
	s.Publish(&models.Frame{Data: []byte{7, 0, 0}, Width: 1, Height: 1})
	s.Reset()
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrNoFrame)
}
