package wasm

import (
	"io"

	"github.com/wippyai/wasm-machine/wasm/internal/binary"
)

// ErrOverflow is returned when a LEB128 value exceeds the maximum bit width.
var ErrOverflow = binary.ErrOverflow

// ReadLEB128u reads an unsigned 32-bit LEB128 value.
func ReadLEB128u(r io.ByteReader) (uint32, error) {
	return binary.NewReader(r).ReadU32()
}

// ReadLEB128s64 reads a signed 64-bit LEB128 value.
func ReadLEB128s64(r io.ByteReader) (int64, error) {
	return binary.NewReader(r).ReadS64()
}

// ReadName reads a length-prefixed UTF-8 name.
func ReadName(r io.ByteReader) (string, error) {
	return binary.NewReader(r).ReadName()
}

// EncodeLEB128u encodes an unsigned LEB128 value.
func EncodeLEB128u(v uint32) []byte {
	w := binary.NewWriter()
	w.WriteU32(v)
	return w.Bytes()
}
