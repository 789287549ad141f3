// Package tensorio serializes view tensors.
//
// The format is a fixed header followed by the values in row-major (CHW) order, little-endian:
//
//	magic   [4]byte  "VFT1"
//	dtype   uint8    1 = float32, 2 = float16
//	rank    uint8    always 3
//	_       uint16   reserved, zero
//	dims    [rank]uint32
//	data    dims[0]*dims[1]*dims[2] values of dtype
package tensorio

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/dunamismax/viewflow/internal/augment"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the on-disk element type.
type DType uint8

const (
	Float32 DType = 1
	Float16 DType = 2
)

var magic = [4]byte{'V', 'F', 'T', '1'}

const (
	maxChannels = 4
	maxSide     = 1 << 15

	// readChunk bounds how many values Decode buffers ahead of the payload it has actually read.
	readChunk = 1 << 16
)

// ErrFormat is returned when decoding data that is not a tensor in this format.
var ErrFormat = errors.New("invalid tensor encoding")

// ParseDType parses "float32" or "float16"; blank means Float32.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	default:
		return 0, errors.Errorf("unsupported tensor dtype %q", s)
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// ElementSize returns the number of bytes per value.
func (d DType) ElementSize() int {
	if d == Float16 {
		return 2
	}
	return 4
}

// EncodedSize returns the number of bytes Encode writes for t.
func EncodedSize(t *augment.Tensor, dtype DType) int {
	return 8 + 3*4 + len(t.Data)*dtype.ElementSize()
}

// Encode writes t to w using dtype for the payload. Float16 rounds to nearest even.
func Encode(w io.Writer, t *augment.Tensor, dtype DType) error {
	if dtype != Float32 && dtype != Float16 {
		return errors.Errorf("unsupported tensor dtype %d", dtype)
	}
	bw := bufio.NewWriter(w)
	header := make([]byte, 8+3*4)
	copy(header, magic[:])
	header[4] = byte(dtype)
	header[5] = 3
	for i, d := range t.Shape() {
		binary.LittleEndian.PutUint32(header[8+4*i:], uint32(d))
	}
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "write tensor header")
	}

	buf := make([]byte, dtype.ElementSize())
	for _, v := range t.Data {
		if dtype == Float16 {
			binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
		} else {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		}
		if _, err := bw.Write(buf); err != nil {
			return errors.Wrap(err, "write tensor data")
		}
	}
	return errors.Wrap(bw.Flush(), "flush tensor")
}

// Decode reads a tensor written by Encode. Float16 payloads are widened to float32.
func Decode(r io.Reader) (*augment.Tensor, DType, error) {
	br := bufio.NewReader(r)
	header := make([]byte, 8)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, 0, errors.Wrap(ErrFormat, err.Error())
	}
	if [4]byte(header[:4]) != magic {
		return nil, 0, errors.Wrap(ErrFormat, "bad magic")
	}
	dtype := DType(header[4])
	if dtype != Float32 && dtype != Float16 {
		return nil, 0, errors.Wrapf(ErrFormat, "dtype %d", header[4])
	}
	if header[5] != 3 {
		return nil, 0, errors.Wrapf(ErrFormat, "rank %d", header[5])
	}

	dims := make([]byte, 3*4)
	if _, err := io.ReadFull(br, dims); err != nil {
		return nil, 0, errors.Wrap(ErrFormat, err.Error())
	}
	c := int(binary.LittleEndian.Uint32(dims[0:]))
	h := int(binary.LittleEndian.Uint32(dims[4:]))
	w := int(binary.LittleEndian.Uint32(dims[8:]))
	if c > maxChannels || h > maxSide || w > maxSide {
		return nil, 0, errors.Wrapf(ErrFormat, "shape [%d, %d, %d] too large", c, h, w)
	}

	data, err := readValues(br, dtype, c*h*w)
	if err != nil {
		return nil, 0, err
	}
	t, err := augment.TensorFromData(c, h, w, data)
	if err != nil {
		return nil, 0, errors.Wrap(ErrFormat, err.Error())
	}
	return t, dtype, nil
}

// readValues reads n values in chunks so a header claiming a huge shape cannot force an
// allocation larger than the payload that follows it.
func readValues(r io.Reader, dtype DType, n int) ([]float32, error) {
	size := dtype.ElementSize()
	data := make([]float32, 0, min(n, readChunk))
	buf := make([]byte, min(n, readChunk)*size)
	for len(data) < n {
		chunk := buf[:min(n-len(data), readChunk)*size]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, errors.Wrapf(ErrFormat, "payload truncated after %d of %d values: %v", len(data), n, err)
		}
		for off := 0; off < len(chunk); off += size {
			if dtype == Float16 {
				data = append(data, float16.Frombits(binary.LittleEndian.Uint16(chunk[off:])).Float32())
			} else {
				data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(chunk[off:])))
			}
		}
	}
	return data, nil
}
