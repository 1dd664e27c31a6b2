package wasm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/wippyai/wasm-machine/wasm/internal/binary"
)

// Section is one raw section of an encoded module.
type Section struct {
	Name    string // custom sections only
	Payload []byte // contents after the name for custom sections
	ID      byte
}

// ErrInvalidPreamble is returned when data does not start with the wasm
// magic number and version 1.
var ErrInvalidPreamble = errors.New("wasm: invalid magic or version")

// ReadSections splits an encoded module into its sections without decoding
// their contents.
func ReadSections(data []byte) ([]Section, error) {
	r := binary.NewReader(bytes.NewReader(data))

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, ErrInvalidPreamble
	}
	version, err := r.ReadU32LE()
	if err != nil || magic != Magic || version != Version {
		return nil, ErrInvalidPreamble
	}

	var sections []Section
	for r.Position() < len(data) {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section id", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}
		if uint64(r.Position())+uint64(size) > uint64(len(data)) {
			return nil, r.WrapError(fmt.Sprintf("section %d", id), errors.New("size exceeds module"))
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError(fmt.Sprintf("section %d", id), err)
		}

		sec := Section{ID: id, Payload: payload}
		if id == SectionCustom {
			cr := binary.NewReader(bytes.NewReader(payload))
			name, err := cr.ReadName()
			if err != nil {
				return nil, r.WrapError("custom section name", err)
			}
			sec.Name = name
			sec.Payload = payload[cr.Position():]
		}
		sections = append(sections, sec)
	}
	return sections, nil
}

// FindCustom returns the payload of the first custom section with the
// given name.
func FindCustom(sections []Section, name string) ([]byte, bool) {
	for _, s := range sections {
		if s.ID == SectionCustom && s.Name == name {
			return s.Payload, true
		}
	}
	return nil, false
}
