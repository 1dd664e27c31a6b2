package devicetree_test

import (
	"encoding/binary"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wippyai/wasm-machine/devicetree"
	"github.com/wippyai/wasm-machine/errors"
)

var _ = Describe("Writer", func() {
	var w *devicetree.Writer

	BeforeEach(func() {
		w = devicetree.NewWriter()
	})

	finish := func() *devicetree.Tree {
		blob, err := w.Finish()
		Expect(err).NotTo(HaveOccurred())
		tree, err := devicetree.Parse(blob)
		Expect(err).NotTo(HaveOccurred())
		return tree
	}

	Describe("header", func() {
		It("should write magic, versions and consistent offsets", func() {
			root, err := w.BeginNode("")
			Expect(err).NotTo(HaveOccurred())
			Expect(w.PropertyU32("x", 7)).To(Succeed())
			Expect(w.EndNode(root)).To(Succeed())
			blob, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())

			be := binary.BigEndian
			Expect(be.Uint32(blob[0:])).To(Equal(uint32(0xd00dfeed)))
			Expect(be.Uint32(blob[4:])).To(Equal(uint32(len(blob))))
			Expect(be.Uint32(blob[20:])).To(Equal(uint32(17)))
			Expect(be.Uint32(blob[24:])).To(Equal(uint32(16)))

			offRsvmap := be.Uint32(blob[16:])
			Expect(offRsvmap % 8).To(BeZero())
			offStruct := be.Uint32(blob[8:])
			Expect(offStruct % 4).To(BeZero())
			Expect(be.Uint32(blob[offStruct:])).To(Equal(uint32(1)))

			sizeStruct := be.Uint32(blob[36:])
			Expect(be.Uint32(blob[offStruct+sizeStruct-4:])).To(Equal(uint32(9)))
		})

		It("should record reservations and the boot cpu", func() {
			w.AddReservation(0x1000, 0x2000)
			w.SetBootCPU(3)
			root, _ := w.BeginNode("")
			Expect(w.EndNode(root)).To(Succeed())

			tree := finish()
			Expect(tree.BootCPU).To(Equal(uint32(3)))
			Expect(tree.Reservations).To(Equal([]devicetree.Reservation{{Address: 0x1000, Size: 0x2000}}))
		})
	})

	Describe("properties", func() {
		It("should encode every value kind", func() {
			root, _ := w.BeginNode("")
			Expect(w.PropertyNull("empty")).To(Succeed())
			Expect(w.PropertyString("str", "hello")).To(Succeed())
			Expect(w.PropertyStringList("list", []string{"a", "bc"})).To(Succeed())
			Expect(w.PropertyU32("u32", 0xdeadbeef)).To(Succeed())
			Expect(w.PropertyU64("u64", 0x0102030405060708)).To(Succeed())
			Expect(w.PropertyArrayU32("cells", []uint32{1, 2, 3})).To(Succeed())
			Expect(w.PropertyArrayU64("wide", []uint64{1, 2})).To(Succeed())
			Expect(w.Property("raw", []byte{9})).To(Succeed())
			Expect(w.EndNode(root)).To(Succeed())

			n := finish().Root
			v, ok := n.Property("empty")
			Expect(ok).To(BeTrue())
			Expect(v).To(BeEmpty())

			s, ok := n.String("str")
			Expect(ok).To(BeTrue())
			Expect(s).To(Equal("hello"))

			v, _ = n.Property("list")
			Expect(v).To(Equal([]byte("a\x00bc\x00")))

			cells, _ := n.U32s("u32")
			Expect(cells).To(Equal([]uint32{0xdeadbeef}))
			wide, _ := n.U64s("u64")
			Expect(wide).To(Equal([]uint64{0x0102030405060708}))
			cells, _ = n.U32s("cells")
			Expect(cells).To(Equal([]uint32{1, 2, 3}))
			wide, _ = n.U64s("wide")
			Expect(wide).To(Equal([]uint64{1, 2}))
			v, _ = n.Property("raw")
			Expect(v).To(Equal([]byte{9}))
		})

		It("should share strings block entries between nodes", func() {
			root, _ := w.BeginNode("")
			a, _ := w.BeginNode("a")
			Expect(w.PropertyU32("reg", 1)).To(Succeed())
			Expect(w.EndNode(a)).To(Succeed())
			b, _ := w.BeginNode("b")
			Expect(w.PropertyU32("reg", 2)).To(Succeed())
			Expect(w.EndNode(b)).To(Succeed())
			Expect(w.EndNode(root)).To(Succeed())

			blob, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())
			sizeStrings := binary.BigEndian.Uint32(blob[32:])
			Expect(sizeStrings).To(Equal(uint32(len("reg\x00"))))
		})

		It("should reject strings with embedded NUL", func() {
			root, _ := w.BeginNode("")
			err := w.PropertyString("bootargs", "a\x00b")
			Expect(err).To(MatchError(errors.ErrEncoding))
			Expect(w.PropertyStringList("l", []string{"ok", "x\x00"})).To(MatchError(errors.ErrEncoding))
			Expect(w.EndNode(root)).To(Succeed())
		})
	})

	Describe("naming rules", func() {
		DescribeTable("node names",
			func(name string, valid bool) {
				root, _ := w.BeginNode("")
				_, err := w.BeginNode(name)
				if valid {
					Expect(err).NotTo(HaveOccurred())
				} else {
					Expect(err).To(MatchError(errors.ErrEncoding))
				}
				_ = root
			},
			Entry("plain", "memory", true),
			Entry("with unit address", "cpu@0", true),
			Entry("punctuation", "data-sections,v1.2_x+y", true),
			Entry("31 characters", strings.Repeat("n", 31), true),
			Entry("32 characters", strings.Repeat("n", 32), false),
			Entry("empty", "", false),
			Entry("space", "my node", false),
			Entry("slash", "a/b", false),
			Entry("empty unit", "cpu@", false),
			Entry("bad unit", "cpu@0 1", false),
		)

		DescribeTable("property names",
			func(name string, valid bool) {
				_, _ = w.BeginNode("")
				err := w.PropertyU32(name, 0)
				if valid {
					Expect(err).NotTo(HaveOccurred())
				} else {
					Expect(err).To(MatchError(errors.ErrEncoding))
				}
			},
			Entry("cells", "#address-cells", true),
			Entry("question mark", "ready?", true),
			Entry("section name", ".rodata", true),
			Entry("31 characters", strings.Repeat("p", 31), true),
			Entry("32 characters", strings.Repeat("p", 32), false),
			Entry("empty", "", false),
			Entry("space", "my prop", false),
			Entry("at sign", "a@b", false),
			Entry("non ascii", "sectión", false),
		)

		It("should require an empty root name", func() {
			_, err := w.BeginNode("root")
			Expect(err).To(MatchError(errors.ErrEncoding))
		})

		It("should name the offending path", func() {
			root, _ := w.BeginNode("")
			ds, _ := w.BeginNode("data-sections")
			err := w.PropertyArrayU32("bad name", []uint32{0, 1})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("data-sections.bad name"))
			_ = ds
			_ = root
		})
	})

	Describe("structure errors", func() {
		It("should reject duplicate properties", func() {
			root, _ := w.BeginNode("")
			Expect(w.PropertyU32("ncpus", 1)).To(Succeed())
			Expect(w.PropertyU32("ncpus", 2)).To(MatchError(errors.ErrEncoding))
			Expect(w.EndNode(root)).To(Succeed())
		})

		It("should reject properties after a child node", func() {
			root, _ := w.BeginNode("")
			child, _ := w.BeginNode("chosen")
			Expect(w.EndNode(child)).To(Succeed())
			Expect(w.PropertyU32("late", 1)).To(MatchError(errors.ErrEncoding))
			_ = root
		})

		It("should reject properties outside any node", func() {
			Expect(w.PropertyU32("x", 1)).To(MatchError(errors.ErrEncoding))
		})

		It("should reject ending the wrong node", func() {
			root, _ := w.BeginNode("")
			_, _ = w.BeginNode("chosen")
			Expect(w.EndNode(root)).To(MatchError(errors.ErrEncoding))
		})

		It("should reject ending with no open node", func() {
			Expect(w.EndNode(devicetree.NodeHandle{})).To(MatchError(errors.ErrEncoding))
		})

		It("should reject finishing with open nodes", func() {
			_, _ = w.BeginNode("")
			_, err := w.Finish()
			Expect(err).To(MatchError(errors.ErrEncoding))
			Expect(err.Error()).To(ContainSubstring("1 node(s) still open"))
		})

		It("should reject finishing an empty tree", func() {
			_, err := w.Finish()
			Expect(err).To(MatchError(errors.ErrEncoding))
		})

		It("should reject a second root", func() {
			root, _ := w.BeginNode("")
			Expect(w.EndNode(root)).To(Succeed())
			_, err := w.BeginNode("")
			Expect(err).To(MatchError(errors.ErrEncoding))
		})

		It("should reject use after finish", func() {
			root, _ := w.BeginNode("")
			Expect(w.EndNode(root)).To(Succeed())
			_, err := w.Finish()
			Expect(err).NotTo(HaveOccurred())
			_, err = w.Finish()
			Expect(err).To(MatchError(errors.ErrEncoding))
			_, err = w.BeginNode("")
			Expect(err).To(MatchError(errors.ErrEncoding))
		})
	})
})
