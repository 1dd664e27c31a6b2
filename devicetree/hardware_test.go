package devicetree_test

import (
	"bytes"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/wippyai/wasm-machine/devicetree"
	"github.com/wippyai/wasm-machine/errors"
)

func fixedSeed() *bytes.Reader {
	seed := make([]byte, 64)
	for i := range seed {
		seed[i] = byte(i)
	}
	return bytes.NewReader(seed)
}

var _ = Describe("Hardware", func() {
	var hw devicetree.Hardware

	BeforeEach(func() {
		hw = devicetree.Hardware{
			Seed:        fixedSeed(),
			Sections:    devicetree.Sections{"text": {Start: 0, End: 100}},
			Cmdline:     "no_hash_pointers",
			MemoryBytes: 1 << 20,
			CPUs:        4,
		}
	})

	build := func() *devicetree.Node {
		blob, err := hw.Build()
		Expect(err).NotTo(HaveOccurred())
		tree, err := devicetree.Parse(blob)
		Expect(err).NotTo(HaveOccurred())
		return tree.Root
	}

	It("should describe a 1 MiB machine", func() {
		root := build()

		Expect(root.Name).To(BeEmpty())
		cells, _ := root.U32s("#address-cells")
		Expect(cells).To(Equal([]uint32{1}))
		cells, _ = root.U32s("#size-cells")
		Expect(cells).To(Equal([]uint32{1}))
		cells, _ = root.U32s("ncpus")
		Expect(cells).To(Equal([]uint32{4}))

		mem := root.Child("memory")
		Expect(mem).NotTo(BeNil())
		reg, _ := mem.U32s("reg")
		Expect(reg).To(Equal([]uint32{0, 1048576}))
		dt, _ := mem.String("device_type")
		Expect(dt).To(Equal("memory"))

		text, ok := root.Child("data-sections").U32s("text")
		Expect(ok).To(BeTrue())
		Expect(text).To(Equal([]uint32{0, 100}))

		args, _ := root.Child("chosen").String("bootargs")
		Expect(args).To(Equal("no_hash_pointers"))
	})

	It("should have exactly four children in order", func() {
		root := build()
		var names []string
		for _, c := range root.Children {
			names = append(names, c.Name)
		}
		Expect(names).To(Equal([]string{"chosen", "aliases", "memory", "data-sections"}))
		Expect(root.Child("aliases").Properties).To(BeEmpty())
		Expect(root.Child("aliases").Children).To(BeEmpty())
	})

	It("should carry a 512-bit seed", func() {
		seed, ok := build().Child("chosen").U64s("rng-seed")
		Expect(ok).To(BeTrue())
		Expect(seed).To(HaveLen(devicetree.SeedWords))
		Expect(seed[0]).To(Equal(uint64(0x0706050403020100)))
	})

	It("should emit one property per section in sorted order", func() {
		hw.Sections = devicetree.Sections{
			"rodata": {Start: 0x2000, End: 0x3000},
			"bss":    {Start: 0x4000, End: 0x5000},
			"text":   {Start: 0, End: 0x2000},
		}
		ds := build().Child("data-sections")
		Expect(ds.Properties).To(HaveLen(3))
		Expect(ds.Properties[0].Name).To(Equal("bss"))
		Expect(ds.Properties[1].Name).To(Equal("rodata"))
		Expect(ds.Properties[2].Name).To(Equal("text"))
		for name, r := range hw.Sections {
			cells, _ := ds.U32s(name)
			Expect(cells).To(Equal([]uint32{r.Start, r.End}))
		}
	})

	It("should allow an empty sections mapping", func() {
		hw.Sections = nil
		ds := build().Child("data-sections")
		Expect(ds).NotTo(BeNil())
		Expect(ds.Properties).To(BeEmpty())
	})

	It("should be deterministic apart from the seed", func() {
		a, err := hw.Build()
		Expect(err).NotTo(HaveOccurred())
		hw.Seed = fixedSeed()
		b, err := hw.Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(Equal(b))
	})

	It("should draw a fresh random seed by default", func() {
		a, err := devicetree.Build("x", nil, 1<<20, 1)
		Expect(err).NotTo(HaveOccurred())
		b, err := devicetree.Build("x", nil, 1<<20, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(a).To(HaveLen(len(b)))
		Expect(a).NotTo(Equal(b))
	})

	It("should propagate invalid section names", func() {
		hw.Sections = devicetree.Sections{"my section": {Start: 0, End: 1}}
		_, err := hw.Build()
		Expect(err).To(MatchError(errors.ErrEncoding))
		Expect(err.Error()).To(ContainSubstring("my section"))
	})

	It("should propagate command lines with NUL", func() {
		hw.Cmdline = "a\x00b"
		_, err := hw.Build()
		Expect(err).To(MatchError(errors.ErrEncoding))
	})

	It("should fail when the seed source is exhausted", func() {
		hw.Seed = bytes.NewReader(make([]byte, 10))
		_, err := hw.Build()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Sections JSON", func() {
	It("should decode [start, end] pairs", func() {
		var s devicetree.Sections
		Expect(json.Unmarshal([]byte(`{"text": [0, 100], "data": [4096, 8192]}`), &s)).To(Succeed())
		Expect(s).To(Equal(devicetree.Sections{
			"text": {Start: 0, End: 100},
			"data": {Start: 4096, End: 8192},
		}))
		Expect(s.Names()).To(Equal([]string{"data", "text"}))
	})

	It("should encode back to pairs", func() {
		out, err := json.Marshal(devicetree.Sections{"text": {Start: 1, End: 2}})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(Equal(`{"text":[1,2]}`))
	})

	DescribeTable("malformed ranges",
		func(input string) {
			var s devicetree.Sections
			Expect(json.Unmarshal([]byte(input), &s)).NotTo(Succeed())
		},
		Entry("single value", `{"text": [1]}`),
		Entry("three values", `{"text": [1, 2, 3]}`),
		Entry("negative", `{"text": [-1, 2]}`),
		Entry("too large", `{"text": [0, 4294967296]}`),
		Entry("not an array", `{"text": "0-100"}`),
		Entry("not an object", `[[0, 1]]`),
	)
})
