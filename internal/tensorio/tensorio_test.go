package tensorio

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTensor(t *testing.T) *augment.Tensor {
	t.Helper()
	data := make([]float32, 3*4*5)
	for i := range data {
		data[i] = float32(i)/8 - 2
	}
	tensor, err := augment.TensorFromData(3, 4, 5, data)
	require.NoError(t, err)
	return tensor
}

func TestEncodeDecodeFloat32IsExact(t *testing.T) {
	in := sampleTensor(t)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in, Float32))
	assert.Equal(t, EncodedSize(in, Float32), buf.Len())

	out, dtype, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, Float32, dtype)
	assert.Equal(t, in.Shape(), out.Shape())
	assert.Equal(t, in.Data, out.Data)
}

func TestEncodeDecodeFloat16(t *testing.T) {
	in := sampleTensor(t)
	in.Data[0] = 0.1234
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in, Float16))
	assert.Equal(t, EncodedSize(in, Float16), buf.Len())

	out, dtype, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, Float16, dtype)
	// Multiples of 1/8 in [-2, 5.5] are exact in half precision.
	assert.Equal(t, in.Data[1:], out.Data[1:])
	assert.InDelta(t, 0.1234, out.Data[0], 1e-3)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte("not a tensor at all")))
	assert.ErrorIs(t, err, ErrFormat)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTensor(t), Float32))
	truncated := buf.Bytes()[:buf.Len()-3]
	_, _, err = Decode(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestDecodeOversizedHeaderDoesNotPreallocate(t *testing.T) {
	header := make([]byte, 8+3*4)
	copy(header, "VFT1")
	header[4] = byte(Float32)
	header[5] = 3
	binary.LittleEndian.PutUint32(header[8:], maxChannels)
	binary.LittleEndian.PutUint32(header[12:], maxSide)
	binary.LittleEndian.PutUint32(header[16:], maxSide)
	data := append(header, make([]byte, 10)...)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, _, err := Decode(bytes.NewReader(data))
	runtime.ReadMemStats(&after)

	assert.ErrorIs(t, err, ErrFormat)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(8<<20))
}

func TestDecodeSpansChunks(t *testing.T) {
	in := augment.NewTensor(3, 200, 200)
	for i := range in.Data {
		in.Data[i] = float32(i%512) / 4
	}
	require.Greater(t, len(in.Data), readChunk)

	for _, dtype := range []DType{Float32, Float16} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, in, dtype))
		out, got, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, dtype, got)
		assert.Equal(t, in.Data, out.Data)
	}
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"": Float32, "float32": Float32, "F16": Float16, "half": Float16} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDType("int8")
	assert.Error(t, err)
	assert.Equal(t, "float16", Float16.String())
}
