package devicetree_test

import (
	"bytes"
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wippyai/wasm-machine/devicetree"
	"github.com/wippyai/wasm-machine/errors"
)

var _ = Describe("Parse", func() {
	var blob []byte

	BeforeEach(func() {
		var err error
		blob, err = devicetree.Hardware{
			Seed:        fixedSeed(),
			Sections:    devicetree.Sections{"text": {Start: 0, End: 100}},
			Cmdline:     "console=hvc0",
			MemoryBytes: 1 << 20,
			CPUs:        2,
		}.Build()
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject a short blob", func() {
		_, err := devicetree.Parse(blob[:16])
		Expect(err).To(MatchError(errors.ErrEncoding))
	})

	It("should reject a bad magic", func() {
		bad := append([]byte(nil), blob...)
		bad[0] = 0
		_, err := devicetree.Parse(bad)
		Expect(err).To(MatchError(errors.ErrEncoding))
	})

	It("should reject a truncated blob", func() {
		_, err := devicetree.Parse(blob[:len(blob)-8])
		Expect(err).To(MatchError(errors.ErrEncoding))
	})

	It("should reject an unknown token", func() {
		bad := append([]byte(nil), blob...)
		offStruct := binary.BigEndian.Uint32(bad[8:])
		binary.BigEndian.PutUint32(bad[offStruct:], 0x7)
		_, err := devicetree.Parse(bad)
		Expect(err).To(MatchError(errors.ErrEncoding))
	})

	It("should report missing lookups", func() {
		tree, err := devicetree.Parse(blob)
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Root.Child("cpus")).To(BeNil())
		_, ok := tree.Root.Property("model")
		Expect(ok).To(BeFalse())
		_, ok = tree.Root.Child("chosen").String("rng-seed")
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Format", func() {
	It("should render a dts-like listing", func() {
		blob, err := devicetree.Hardware{
			Seed:        fixedSeed(),
			Sections:    devicetree.Sections{"text": {Start: 0, End: 100}},
			Cmdline:     "no_hash_pointers",
			MemoryBytes: 1 << 20,
			CPUs:        1,
		}.Build()
		Expect(err).NotTo(HaveOccurred())
		tree, err := devicetree.Parse(blob)
		Expect(err).NotTo(HaveOccurred())

		var out bytes.Buffer
		Expect(devicetree.Format(&out, tree)).To(Succeed())

		text := out.String()
		Expect(text).To(HavePrefix("/dts-v1/;"))
		Expect(text).To(ContainSubstring("/ {"))
		Expect(text).To(ContainSubstring("#address-cells = <0x1>;"))
		Expect(text).To(ContainSubstring(`bootargs = "no_hash_pointers";`))
		Expect(text).To(ContainSubstring(`device_type = "memory";`))
		Expect(text).To(ContainSubstring("reg = <0x0 0x100000>;"))
		Expect(text).To(ContainSubstring("text = <0x0 0x64>;"))
		Expect(text).To(ContainSubstring("aliases {\n\t};"))
	})

	It("should list reservations", func() {
		w := devicetree.NewWriter()
		w.AddReservation(0x10, 0x20)
		root, _ := w.BeginNode("")
		Expect(w.PropertyNull("flag")).To(Succeed())
		Expect(w.Property("odd", []byte{1, 2, 3})).To(Succeed())
		Expect(w.EndNode(root)).To(Succeed())
		blob, err := w.Finish()
		Expect(err).NotTo(HaveOccurred())
		tree, err := devicetree.Parse(blob)
		Expect(err).NotTo(HaveOccurred())

		var out bytes.Buffer
		Expect(devicetree.Format(&out, tree)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("/memreserve/ 0x10 0x20;"))
		Expect(out.String()).To(ContainSubstring("\tflag;\n"))
		Expect(out.String()).To(ContainSubstring("odd = [01 02 03];"))
	})
})
