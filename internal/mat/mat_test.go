package mat

import (
	"testing"

	"github.com/born-ml/infer/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New(3, 2, 4, ElemFloat32, nil)
	require.NoError(t, err)
	defer m.Release()

	assert.False(t, m.Empty())
	assert.Equal(t, 3, m.Dims())
	assert.Equal(t, 24, m.Size())
	// 6 floats = 24 bytes, padded to 32 bytes = 8 floats per channel.
	assert.Equal(t, 8, m.CStep)
	assert.Equal(t, 32, m.Total())
	assert.Len(t, m.ChannelFloat32(3), 6)
}

func TestNew_SingleChannelIsDense(t *testing.T) {
	m, err := New1D(5, ElemInt8, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, m.Dims())
	assert.Equal(t, 5, m.CStep)
	assert.Len(t, m.Int8(), 5)
}

func TestNew_InvalidExtents(t *testing.T) {
	_, err := New(0, 1, 1, ElemFloat32, nil)
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestEmpty(t *testing.T) {
	var m *Mat
	assert.True(t, m.Empty())
	assert.True(t, (&Mat{}).Empty())

	n, err := New1D(4, ElemFloat32, nil)
	require.NoError(t, err)
	n.Release()
	assert.True(t, n.Empty())
}

func TestFromFloat32(t *testing.T) {
	values := []float32{1, 2, 3, 4, 5, 6}
	m, err := FromFloat32(values, 1, 3, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 2, 3}, m.ChannelFloat32(0))
	assert.Equal(t, []float32{4, 5, 6}, m.ChannelFloat32(1))
	assert.Equal(t, values, m.Flatten())

	_, err = FromFloat32(values, 2, 2, 2, nil)
	require.ErrorIs(t, err, errs.ErrConfig)
}

func TestClone_DoesNotAlias(t *testing.T) {
	m, err := FromFloat32([]float32{1, 2, 3}, 3, 1, 1, nil)
	require.NoError(t, err)

	c, err := m.Clone(nil)
	require.NoError(t, err)

	c.Float32()[0] = 42
	assert.Equal(t, float32(1), m.Float32()[0])
	assert.Equal(t, float32(42), c.Float32()[0])
}

func TestClone_Empty(t *testing.T) {
	_, err := (&Mat{}).Clone(nil)
	require.ErrorIs(t, err, errs.ErrAllocation)
}

func TestShare_RefCount(t *testing.T) {
	budget := NewBudgetAllocator(nil, 1024)
	m, err := New1D(16, ElemFloat32, budget)
	require.NoError(t, err)
	assert.Equal(t, 64, budget.InUse())

	s := m.Share()
	s.Float32()[0] = 7
	assert.Equal(t, float32(7), m.Float32()[0])

	m.Release()
	assert.Equal(t, 64, budget.InUse(), "storage must survive while shared")

	s.Release()
	assert.Equal(t, 0, budget.InUse())
}

func TestChannel_OutOfRangePanics(t *testing.T) {
	m, err := New(2, 2, 2, ElemFloat32, nil)
	require.NoError(t, err)

	assert.Panics(t, func() { m.ChannelFloat32(2) })
	assert.Panics(t, func() { m.ChannelFloat32(-1) })
}

func TestElemSizeMismatchPanics(t *testing.T) {
	m, err := New1D(4, ElemInt8, nil)
	require.NoError(t, err)

	assert.Panics(t, func() { m.Float32() })
}

func TestFill(t *testing.T) {
	m, err := New(2, 1, 3, ElemFloat32, nil)
	require.NoError(t, err)

	m.Fill(1.5)
	for _, v := range m.Flatten() {
		assert.Equal(t, float32(1.5), v)
	}
}
