package wire

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderReadsWhatWriterWrote(t *testing.T) {
	w := NewWriter(32)
	w.WriteUint32(Discriminator)
	w.WriteInt32(-42)
	w.WriteString("overlay.Ping")
	w.WriteBool(true)
	w.WriteFloat32(1.5)
	w.WriteBytes([]byte{1, 2, 3})
	w.WriteUint64(1 << 40)

	r := NewReader(w.Bytes())

	disc, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, Discriminator, disc)

	nonce, err := r.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-42), nonce)

	key, err := r.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "overlay.Ping", key)

	b, err := r.ReadBool()
	require.NoError(t, err)
	assert.True(t, b)

	f, err := r.ReadFloat32()
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), f)

	raw, err := r.ReadBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	big, err := r.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), big)

	assert.Equal(t, 0, r.Remaining())
}

func TestDiscriminatorIsLittleEndian(t *testing.T) {
	w := NewWriter(4)
	w.WriteUint32(Discriminator)
	assert.Equal(t, []byte{0x0D, 0xD0, 0x0F, 0x00}, w.Bytes())
}

func TestReadUnderflowLeavesCursor(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})

	_, err := r.ReadUint32()
	var underflow *errors.Underflow
	require.True(t, goerrs.As(err, &underflow))
	assert.Equal(t, 4, underflow.MinimumSize)
	assert.Equal(t, 0, r.Position())
}

func TestReadStringWithShortBody(t *testing.T) {
	w := NewWriter(8)
	w.WriteString("abcdef")
	truncated := w.Bytes()[:4]

	r := NewReader(truncated)
	_, err := r.ReadString()
	require.Error(t, err)
	assert.Equal(t, 0, r.Position())
}

func TestReadStringRejectsHugeLength(t *testing.T) {
	r := NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x0F})

	_, err := r.ReadString()
	var malformed *errors.MalformedLength
	assert.True(t, goerrs.As(err, &malformed))
}

func TestSetPositionClamps(t *testing.T) {
	r := NewReader([]byte{1, 2})
	r.SetPosition(10)
	assert.Equal(t, 2, r.Position())
	r.SetPosition(-1)
	assert.Equal(t, 0, r.Position())
}
