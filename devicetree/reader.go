package devicetree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/wippyai/wasm-machine/errors"
)

// Tree is a decoded device tree blob.
type Tree struct {
	Root         *Node
	Reservations []Reservation
	BootCPU      uint32
}

// Node is one decoded node.
type Node struct {
	Name       string
	Properties []Property
	Children   []*Node
}

// Property is one decoded property with its raw value.
type Property struct {
	Name  string
	Value []byte
}

// Child returns the direct child with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Property returns the raw value of a property.
func (n *Node) Property(name string) ([]byte, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// U32s returns a property decoded as big-endian cells.
func (n *Node) U32s(name string) ([]uint32, bool) {
	v, ok := n.Property(name)
	if !ok || len(v)%4 != 0 {
		return nil, false
	}
	out := make([]uint32, len(v)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(v[4*i:])
	}
	return out, true
}

// U64s returns a property decoded as big-endian 64-bit values.
func (n *Node) U64s(name string) ([]uint64, bool) {
	v, ok := n.Property(name)
	if !ok || len(v)%8 != 0 {
		return nil, false
	}
	out := make([]uint64, len(v)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(v[8*i:])
	}
	return out, true
}

// String returns a NUL-terminated string property.
func (n *Node) String(name string) (string, bool) {
	v, ok := n.Property(name)
	if !ok || len(v) == 0 || v[len(v)-1] != 0 {
		return "", false
	}
	return string(v[:len(v)-1]), true
}

func decodeError(detail string, args ...any) error {
	return errors.New(errors.PhaseEncode, errors.KindEncoding).
		Detail("decode: "+detail, args...).
		Build()
}

// Parse decodes a flattened device tree blob.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < headerSize {
		return nil, decodeError("blob of %d bytes is shorter than the header", len(blob))
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob); magic != Magic {
		return nil, decodeError("bad magic %#x", magic)
	}
	total := be.Uint32(blob[4:])
	offStruct := be.Uint32(blob[8:])
	offStrings := be.Uint32(blob[12:])
	offRsvmap := be.Uint32(blob[16:])
	if v := be.Uint32(blob[24:]); v > Version {
		return nil, decodeError("unsupported last compatible version %d", v)
	}
	sizeStrings := be.Uint32(blob[32:])
	sizeStruct := be.Uint32(blob[36:])

	if uint64(total) > uint64(len(blob)) ||
		uint64(offStruct)+uint64(sizeStruct) > uint64(total) ||
		uint64(offStrings)+uint64(sizeStrings) > uint64(total) ||
		offRsvmap > total {
		return nil, decodeError("block offsets exceed blob size %d", total)
	}

	tree := &Tree{BootCPU: be.Uint32(blob[28:])}

	for off := offRsvmap; ; off += reserveEntrySize {
		if uint64(off)+reserveEntrySize > uint64(total) {
			return nil, decodeError("unterminated reservation block")
		}
		r := Reservation{Address: be.Uint64(blob[off:]), Size: be.Uint64(blob[off+8:])}
		if r.Address == 0 && r.Size == 0 {
			break
		}
		tree.Reservations = append(tree.Reservations, r)
	}

	p := &parser{
		structs: blob[offStruct : offStruct+sizeStruct],
		strings: blob[offStrings : offStrings+sizeStrings],
	}
	root, err := p.parse()
	if err != nil {
		return nil, err
	}
	tree.Root = root
	return tree, nil
}

type parser struct {
	structs []byte
	strings []byte
	pos     int
}

func (p *parser) u32() (uint32, error) {
	if p.pos+4 > len(p.structs) {
		return 0, decodeError("structure block truncated at %d", p.pos)
	}
	v := binary.BigEndian.Uint32(p.structs[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *parser) align() {
	p.pos = align(p.pos, 4)
}

func (p *parser) parse() (*Node, error) {
	var stack []*Node
	var root *Node

	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenBeginNode:
			end := bytes.IndexByte(p.structs[p.pos:], 0)
			if end < 0 {
				return nil, decodeError("unterminated node name at %d", p.pos)
			}
			node := &Node{Name: string(p.structs[p.pos : p.pos+end])}
			p.pos += end + 1
			p.align()
			if len(stack) == 0 {
				if root != nil {
					return nil, decodeError("second root node %q", node.Name)
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)

		case tokenEndNode:
			if len(stack) == 0 {
				return nil, decodeError("unbalanced end of node at %d", p.pos)
			}
			stack = stack[:len(stack)-1]

		case tokenProp:
			if len(stack) == 0 {
				return nil, decodeError("property outside of any node at %d", p.pos)
			}
			length, err := p.u32()
			if err != nil {
				return nil, err
			}
			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}
			if p.pos+int(length) > len(p.structs) {
				return nil, decodeError("property value exceeds structure block at %d", p.pos)
			}
			name, err := p.name(nameOff)
			if err != nil {
				return nil, err
			}
			value := append([]byte(nil), p.structs[p.pos:p.pos+int(length)]...)
			p.pos += int(length)
			p.align()
			node := stack[len(stack)-1]
			node.Properties = append(node.Properties, Property{Name: name, Value: value})

		case 0x4: // FDT_NOP
		case tokenEnd:
			if len(stack) != 0 {
				return nil, decodeError("%d node(s) left open", len(stack))
			}
			if root == nil {
				return nil, decodeError("no root node")
			}
			return root, nil

		default:
			return nil, decodeError("unknown token %#x at %d", tok, p.pos-4)
		}
	}
}

func (p *parser) name(off uint32) (string, error) {
	if int(off) >= len(p.strings) {
		return "", decodeError("string offset %d outside strings block", off)
	}
	end := bytes.IndexByte(p.strings[off:], 0)
	if end < 0 {
		return "", decodeError("unterminated string at offset %d", off)
	}
	return string(p.strings[int(off) : int(off)+end]), nil
}

// Format writes the tree in a dts-like notation.
func Format(w io.Writer, t *Tree) error {
	var b strings.Builder
	b.WriteString("/dts-v1/;\n")
	for _, r := range t.Reservations {
		fmt.Fprintf(&b, "/memreserve/ %#x %#x;\n", r.Address, r.Size)
	}
	b.WriteByte('\n')
	formatNode(&b, t.Root, 0)
	_, err := io.WriteString(w, b.String())
	return err
}

func formatNode(b *strings.Builder, n *Node, depth int) {
	indent := strings.Repeat("\t", depth)
	name := n.Name
	if depth == 0 {
		name = "/"
	}
	fmt.Fprintf(b, "%s%s {\n", indent, name)
	for _, p := range n.Properties {
		fmt.Fprintf(b, "%s\t%s", indent, p.Name)
		if len(p.Value) > 0 {
			b.WriteString(" = ")
			b.WriteString(formatValue(p.Value))
		}
		b.WriteString(";\n")
	}
	for _, c := range n.Children {
		if len(n.Properties) > 0 || c != n.Children[0] {
			b.WriteByte('\n')
		}
		formatNode(b, c, depth+1)
	}
	fmt.Fprintf(b, "%s};\n", indent)
}

func formatValue(v []byte) string {
	if s, ok := printableStrings(v); ok {
		quoted := make([]string, len(s))
		for i, str := range s {
			quoted[i] = fmt.Sprintf("%q", str)
		}
		return strings.Join(quoted, ", ")
	}
	if len(v)%4 == 0 {
		cells := make([]string, len(v)/4)
		for i := range cells {
			cells[i] = fmt.Sprintf("%#x", binary.BigEndian.Uint32(v[4*i:]))
		}
		return "<" + strings.Join(cells, " ") + ">"
	}
	hex := make([]string, len(v))
	for i, c := range v {
		hex[i] = fmt.Sprintf("%02x", c)
	}
	return "[" + strings.Join(hex, " ") + "]"
}

func printableStrings(v []byte) ([]string, bool) {
	if len(v) == 0 || v[len(v)-1] != 0 {
		return nil, false
	}
	parts := strings.Split(string(v[:len(v)-1]), "\x00")
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
		for _, c := range []byte(p) {
			if c < 0x20 || c > 0x7e {
				return nil, false
			}
		}
	}
	return parts, true
}
