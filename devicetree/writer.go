package devicetree

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/wippyai/wasm-machine/errors"
)

// Flattened device tree format constants.
const (
	Magic            uint32 = 0xd00dfeed
	Version          uint32 = 17
	LastCompVersion  uint32 = 16
	headerSize              = 40
	reserveEntrySize        = 16

	tokenBeginNode uint32 = 0x1
	tokenEndNode   uint32 = 0x2
	tokenProp      uint32 = 0x3
	tokenEnd       uint32 = 0x9

	// MaxNameLen bounds node names (without unit address) and property names.
	MaxNameLen = 31
)

// Reservation is one entry of the memory reservation block.
type Reservation struct {
	Address uint64
	Size    uint64
}

// NodeHandle identifies an open node. EndNode must be given the innermost one.
type NodeHandle struct {
	depth int
}

type openNode struct {
	name     string
	props    map[string]struct{}
	hasChild bool
}

// Writer produces a flattened device tree blob. Nodes are opened and closed
// in document order; properties of a node must precede its children.
//
// The zero value is not usable; call NewWriter.
type Writer struct {
	structs      []byte
	strings      []byte
	stringOffs   map[string]uint32
	stack        []openNode
	reservations []Reservation
	bootCPU      uint32
	rootDone     bool
	finished     bool
}

// NewWriter returns a writer with an empty tree.
func NewWriter() *Writer {
	return &Writer{
		stringOffs: make(map[string]uint32),
	}
}

// SetBootCPU sets the physical id of the boot CPU recorded in the header.
func (w *Writer) SetBootCPU(id uint32) {
	w.bootCPU = id
}

// AddReservation appends a memory reservation entry.
func (w *Writer) AddReservation(address, size uint64) {
	w.reservations = append(w.reservations, Reservation{Address: address, Size: size})
}

func (w *Writer) path(extra ...string) []string {
	path := make([]string, 0, len(w.stack)+len(extra))
	for _, n := range w.stack {
		if n.name != "" {
			path = append(path, n.name)
		}
	}
	return append(path, extra...)
}

func (w *Writer) usable(name string) error {
	if w.finished {
		return errors.Encoding(w.path(name), "writer already finished")
	}
	return nil
}

// BeginNode opens a child of the current node, or the root node when no node
// is open. The root node must have the empty name.
func (w *Writer) BeginNode(name string) (NodeHandle, error) {
	if err := w.usable(name); err != nil {
		return NodeHandle{}, err
	}

	if len(w.stack) == 0 {
		if w.rootDone {
			return NodeHandle{}, errors.Encoding([]string{name}, "tree already has a root node")
		}
		if name != "" {
			return NodeHandle{}, errors.Encoding([]string{name}, "root node must have an empty name")
		}
	} else {
		if err := validateNodeName(name); err != nil {
			return NodeHandle{}, errors.Encoding(w.path(name), err.Error())
		}
		w.stack[len(w.stack)-1].hasChild = true
	}

	w.token(tokenBeginNode)
	w.structs = append(w.structs, name...)
	w.structs = append(w.structs, 0)
	w.pad()

	w.stack = append(w.stack, openNode{name: name, props: make(map[string]struct{})})
	return NodeHandle{depth: len(w.stack)}, nil
}

// EndNode closes the node opened by the matching BeginNode.
func (w *Writer) EndNode(h NodeHandle) error {
	if err := w.usable(""); err != nil {
		return err
	}
	if len(w.stack) == 0 || h.depth != len(w.stack) {
		return errors.Encoding(w.path(), fmt.Sprintf("unbalanced end of node (open depth %d, handle depth %d)", len(w.stack), h.depth))
	}

	w.token(tokenEndNode)
	w.stack = w.stack[:len(w.stack)-1]
	if len(w.stack) == 0 {
		w.rootDone = true
	}
	return nil
}

// Property adds a property with a raw value to the current node.
func (w *Writer) Property(name string, value []byte) error {
	if err := w.usable(name); err != nil {
		return err
	}
	if len(w.stack) == 0 {
		return errors.Encoding([]string{name}, "property outside of any node")
	}
	node := &w.stack[len(w.stack)-1]
	if err := validatePropertyName(name); err != nil {
		return errors.Encoding(w.path(name), err.Error())
	}
	if node.hasChild {
		return errors.Encoding(w.path(name), "property after child node")
	}
	if _, dup := node.props[name]; dup {
		return errors.Encoding(w.path(name), "duplicate property")
	}
	node.props[name] = struct{}{}

	w.token(tokenProp)
	w.u32(uint32(len(value)))
	w.u32(w.stringOffset(name))
	w.structs = append(w.structs, value...)
	w.pad()
	return nil
}

// PropertyNull adds an empty (boolean) property.
func (w *Writer) PropertyNull(name string) error {
	return w.Property(name, nil)
}

// PropertyString adds a NUL-terminated string property.
func (w *Writer) PropertyString(name, value string) error {
	if strings.IndexByte(value, 0) >= 0 {
		return errors.Encoding(w.path(name), "string value contains NUL")
	}
	return w.Property(name, append([]byte(value), 0))
}

// PropertyStringList adds a list of NUL-terminated strings.
func (w *Writer) PropertyStringList(name string, values []string) error {
	var buf []byte
	for _, v := range values {
		if strings.IndexByte(v, 0) >= 0 {
			return errors.Encoding(w.path(name), "string value contains NUL")
		}
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	return w.Property(name, buf)
}

// PropertyU32 adds a single big-endian cell.
func (w *Writer) PropertyU32(name string, value uint32) error {
	return w.PropertyArrayU32(name, []uint32{value})
}

// PropertyU64 adds a single big-endian 64-bit value.
func (w *Writer) PropertyU64(name string, value uint64) error {
	return w.PropertyArrayU64(name, []uint64{value})
}

// PropertyArrayU32 adds an array of big-endian cells.
func (w *Writer) PropertyArrayU32(name string, values []uint32) error {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[4*i:], v)
	}
	return w.Property(name, buf)
}

// PropertyArrayU64 adds an array of big-endian 64-bit values.
func (w *Writer) PropertyArrayU64(name string, values []uint64) error {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[8*i:], v)
	}
	return w.Property(name, buf)
}

// Finish closes the structure block and returns the complete blob.
// All nodes must have been closed.
func (w *Writer) Finish() ([]byte, error) {
	if err := w.usable(""); err != nil {
		return nil, err
	}
	if len(w.stack) != 0 {
		return nil, errors.Encoding(w.path(), fmt.Sprintf("%d node(s) still open", len(w.stack)))
	}
	if !w.rootDone {
		return nil, errors.Encoding(nil, "tree has no root node")
	}
	w.token(tokenEnd)
	w.finished = true

	offRsvmap := align(headerSize, 8)
	offStruct := offRsvmap + reserveEntrySize*(len(w.reservations)+1)
	offStrings := offStruct + len(w.structs)
	total := offStrings + len(w.strings)

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], Magic)
	be.PutUint32(blob[4:], uint32(total))
	be.PutUint32(blob[8:], uint32(offStruct))
	be.PutUint32(blob[12:], uint32(offStrings))
	be.PutUint32(blob[16:], uint32(offRsvmap))
	be.PutUint32(blob[20:], Version)
	be.PutUint32(blob[24:], LastCompVersion)
	be.PutUint32(blob[28:], w.bootCPU)
	be.PutUint32(blob[32:], uint32(len(w.strings)))
	be.PutUint32(blob[36:], uint32(len(w.structs)))

	off := offRsvmap
	for _, r := range w.reservations {
		be.PutUint64(blob[off:], r.Address)
		be.PutUint64(blob[off+8:], r.Size)
		off += reserveEntrySize
	}
	// terminating entry is already zero

	copy(blob[offStruct:], w.structs)
	copy(blob[offStrings:], w.strings)
	return blob, nil
}

func (w *Writer) stringOffset(name string) uint32 {
	if off, ok := w.stringOffs[name]; ok {
		return off
	}
	off := uint32(len(w.strings))
	w.strings = append(w.strings, name...)
	w.strings = append(w.strings, 0)
	w.stringOffs[name] = off
	return off
}

func (w *Writer) token(t uint32) {
	w.u32(t)
}

func (w *Writer) u32(v uint32) {
	w.structs = binary.BigEndian.AppendUint32(w.structs, v)
}

func (w *Writer) pad() {
	for len(w.structs)%4 != 0 {
		w.structs = append(w.structs, 0)
	}
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

func validateNodeName(name string) error {
	base, unit, hasUnit := strings.Cut(name, "@")
	if base == "" {
		return fmt.Errorf("invalid node name %q: empty", name)
	}
	if len(base) > MaxNameLen {
		return fmt.Errorf("invalid node name %q: longer than %d characters", name, MaxNameLen)
	}
	for i := 0; i < len(base); i++ {
		if !isNodeNameChar(base[i]) {
			return fmt.Errorf("invalid node name %q: character %q not allowed", name, base[i])
		}
	}
	if hasUnit {
		if unit == "" {
			return fmt.Errorf("invalid node name %q: empty unit address", name)
		}
		for i := 0; i < len(unit); i++ {
			if !isNodeNameChar(unit[i]) {
				return fmt.Errorf("invalid node name %q: character %q not allowed in unit address", name, unit[i])
			}
		}
	}
	return nil
}

func validatePropertyName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid property name: empty")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("invalid property name %q: longer than %d characters", name, MaxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isNodeNameChar(c) && c != '?' && c != '#' {
			return fmt.Errorf("invalid property name %q: character %q not allowed", name, c)
		}
	}
	return nil
}

func isNodeNameChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c == ',', c == '.', c == '_', c == '+', c == '-':
		return true
	}
	return false
}
