package ddp_test

import (
	"encoding/binary"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
)

var _ = Describe("Package Validation", func() {

	version := ddp.Version{Major: 1, Minor: 3, Update: 2, Draft: 0}

	// locate parses a good image to find where its pieces are.
	locate := func(img []byte) *ddp.Package {
		pkg, err := ddp.Parse(img, ddp.DefaultVersionRange)
		Expect(err).NotTo(HaveOccurred())
		return pkg
	}

	expectInvalid := func(img []byte, sentinel error) *ddp.ValidationError {
		pkg, err := ddp.Parse(img, ddp.DefaultVersionRange)
		Expect(pkg).To(BeNil())
		Expect(err).To(MatchError(sentinel))

		var ve *ddp.ValidationError
		Expect(errors.As(err, &ve)).To(BeTrue())
		return ve
	}

	It("accepts a minimal single segment package and echoes its version", func() {
		b := ddp.NewBuilder()
		Expect(b.Reserve(1)).To(Succeed())
		_, err := b.Alloc(0x10, 4)
		Expect(err).NotTo(HaveOccurred())

		img, err := ddp.Assemble(ddp.Image{Name: "minimal", Version: version, Buffers: [][]byte{b.Bytes()}, NoMetadata: true})
		Expect(err).NotTo(HaveOccurred())

		pkg, err := ddp.Parse(img, ddp.DefaultVersionRange)
		Expect(err).NotTo(HaveOccurred())
		Expect(pkg.Version).To(Equal(version))
		Expect(pkg.Name).To(Equal("minimal"))
		Expect(pkg.Buffers).To(HaveLen(1))
		Expect(pkg.Buffers[0].Sections).To(HaveLen(1))
		Expect(pkg.TransferSize()).To(Equal(ddp.BufferSize))
	})

	It("reads name, version and tables from the metadata and device segments", func() {
		dev := ddp.DeviceID{VendorID: 0x1590, DeviceID: 0x0299}
		img, err := ddp.Assemble(ddp.Image{
			Name:        "comms",
			Version:     version,
			Devices:     []ddp.DeviceID{dev},
			NVMVersions: []uint32{0x0401},
			Buffers:     [][]byte{metadataBuffer(), dataBuffer("comms", version, 1), dataBuffer("comms", version, 2)},
		})
		Expect(err).NotTo(HaveOccurred())

		pkg := locate(img)
		Expect(pkg.Name).To(Equal("comms"))
		Expect(pkg.Version).To(Equal(version))
		Expect(pkg.FormatVersion).To(Equal(ddp.SupportedFormat))
		Expect(pkg.Devices).To(Equal([]ddp.DeviceID{dev}))
		Expect(pkg.NVMVersions).To(Equal([]uint32{0x0401}))
		Expect(pkg.Supports(dev)).To(BeTrue())
		Expect(pkg.Supports(ddp.DeviceID{VendorID: 0x1590, DeviceID: 1})).To(BeFalse())

		By("skipping metadata buffers in the transfer")
		Expect(pkg.Buffers).To(HaveLen(3))
		Expect(pkg.Buffers[0].Metadata()).To(BeTrue())
		transfer := pkg.TransferBuffers()
		Expect(transfer).To(HaveLen(2))
		Expect(transfer[0].Index).To(Equal(1))
		Expect(pkg.TransferSize()).To(Equal(2 * ddp.BufferSize))

		By("iterating sections of one type")
		var infos []ddp.PackageInfo
		for _, payload := range pkg.Sections(ddp.SectionPackageInfo) {
			info, err := ddp.ParsePackageInfo(payload)
			Expect(err).NotTo(HaveOccurred())
			infos = append(infos, info)
		}
		Expect(infos).To(HaveLen(2))
		Expect(infos[0]).To(Equal(ddp.NewPackageInfo("comms", version)))
	})

	It("rejects a segment offset past the end of the image", func() {
		img := image("bad", version, 1)
		binary.LittleEndian.PutUint32(img[8+4:], uint32(len(img)+16))

		ve := expectInvalid(img, ddp.ErrTruncated)
		Expect(ve.Offset).To(Equal(12))
	})

	It("rejects a segment larger than the rest of the image", func() {
		img := image("bad", version, 1)
		deviceAt := binary.LittleEndian.Uint32(img[12:])
		size := binary.LittleEndian.Uint32(img[deviceAt+8:])
		binary.LittleEndian.PutUint32(img[deviceAt+8:], size+1)

		expectInvalid(img, ddp.ErrTruncated)
	})

	It("rejects an image cut short", func() {
		img := image("bad", version, 2)
		expectInvalid(img[:len(img)-1], ddp.ErrTruncated)
		expectInvalid(img[:4], ddp.ErrTruncated)
	})

	DescribeTable("rejects a buffer header out of range",
		func(field int, value uint16) {
			img := image("bad", version, 2)
			at := locate(img).Buffers[1].Offset
			binary.LittleEndian.PutUint16(img[at+field:], value)

			ve := expectInvalid(img, ddp.ErrBadBuffer)
			Expect(ve.Buffer).To(Equal(1))
			Expect(ve.Offset).To(BeNumerically(">=", at))
		},
		Entry("data end of 4097", 2, uint16(4097)),
		Entry("data end of 11", 2, uint16(11)),
		Entry("no sections", 0, uint16(0)),
		Entry("512 sections", 0, uint16(512)),
	)

	It("rejects a section that runs past its buffer's data end", func() {
		img := image("bad", version, 1)
		at := locate(img).Buffers[0].Offset
		dataEnd := binary.LittleEndian.Uint16(img[at+2:])

		// First section entry: type, offset, size.
		binary.LittleEndian.PutUint16(img[at+4+6:], dataEnd)

		expectInvalid(img, ddp.ErrBadBuffer)
	})

	DescribeTable("enforces the supported version range",
		func(v ddp.Version, sentinel error) {
			expectInvalid(image("versioned", v, 1), sentinel)
		},
		Entry("major below minimum", ddp.Version{Major: 0, Minor: 9}, ddp.ErrVersionTooLow),
		Entry("major above maximum", ddp.Version{Major: 2, Minor: 0}, ddp.ErrVersionTooHigh),
		Entry("minor above maximum", ddp.Version{Major: 1, Minor: 4}, ddp.ErrVersionTooHigh),
	)

	It("accepts the ends of the version range and ignores update and draft", func() {
		locate(image("low", ddp.Version{Major: 1, Minor: 0}, 1))
		locate(image("high", ddp.Version{Major: 1, Minor: 3, Update: 255, Draft: 255}, 1))

		custom := ddp.VersionRange{Min: ddp.Version{Major: 2}, Max: ddp.Version{Major: 2, Minor: 9}}
		_, err := ddp.Parse(image("old", version, 1), custom)
		Expect(err).To(MatchError(ddp.ErrVersionTooLow))
	})

	It("rejects an unknown container format", func() {
		img := image("bad", version, 1)
		img[0] = 2
		expectInvalid(img, ddp.ErrFormatVersion)
	})

	It("rejects a package without a device segment", func() {
		img := image("bad", version, 1)
		binary.LittleEndian.PutUint32(img[4:], 1)
		expectInvalid(img, ddp.ErrMissingSegment)
	})
})
