package nvm_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/nvm"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
)

var _ = Describe("NVM", func() {

	var (
		clock *sim.ManualClock
		card  *sim.Card
		flash *nvm.Flash
		locks *resource.Client
	)

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)
		flash, locks = newFlash(card, clock)
	})

	It("reads an erased part as all ones", func() {
		data, err := flash.Read(0, 0x100, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal(bytes.Repeat([]byte{0xFF}, 16)))
		Expect(card.Holder(resource.NVM)).To(BeNil())
	})

	It("writes across sector boundaries and reads the data back", func() {
		data := make([]byte, 2*nvm.SectorSize+100)
		for i := range data {
			data[i] = byte(i * 7)
		}
		const offset = 0x0F00

		Expect(flash.Write(0, offset, data)).To(Succeed())
		Expect(card.NVM()[offset : offset+len(data)]).To(Equal(data))
		Expect(card.Holder(resource.NVM)).To(BeNil())

		readBack, err := flash.Read(0, offset, len(data))
		Expect(err).NotTo(HaveOccurred())
		Expect(readBack).To(Equal(data))
	})

	It("erases a range", func() {
		Expect(flash.Write(0, 0, []byte{1, 2, 3, 4})).To(Succeed())
		Expect(flash.Erase(0, 0, 2)).To(Succeed())
		Expect(card.NVM()[:4]).To(Equal([]byte{0xFF, 0xFF, 3, 4}))
	})

	It("tracks the checksum through modification", func() {
		Expect(flash.VerifyChecksum()).To(Succeed())

		Expect(flash.Write(0, 0x10, []byte("modified"))).To(Succeed())
		Expect(flash.VerifyChecksum()).To(MatchError(nvm.ErrChecksum))

		Expect(flash.RecalculateChecksum()).To(Succeed())
		Expect(flash.VerifyChecksum()).To(Succeed())
	})

	It("does not write while another function holds the flash", func() {
		other, otherLocks := newFlash(card, clock)
		outcome, _, err := otherLocks.Acquire(resource.NVM, resource.Write, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(resource.Granted))

		start := clock.Now()
		err = flash.Write(0, 0, []byte{0})
		var unavailable *resource.Unavailable
		Expect(errors.As(err, &unavailable)).To(BeTrue())
		Expect(unavailable.Outcome).To(Equal(resource.Busy))
		Expect(clock.Now()).To(Equal(start))
		Expect(card.NVM()[0]).To(Equal(byte(0xFF)))

		Expect(otherLocks.Release(resource.NVM)).To(Succeed())
		Expect(flash.Write(0, 0, []byte{0})).To(Succeed())
		Expect(other.Read(0, 0, 1)).To(Equal([]byte{0}))
	})

	It("releases the flash when the firmware refuses a request", func() {
		_, err := flash.Read(0, uint32(sim.DefaultConfig.NVMSize-4), 8)
		Expect(errors.Is(err, adminq.StatusEINVAL)).To(BeTrue())
		Expect(card.Holder(resource.NVM)).To(BeNil())
		Expect(locks.Held()).To(BeEmpty())
	})

	It("refuses a range the offset field cannot address", func() {
		_, err := flash.Read(0, nvm.MaxOffset, 2)
		Expect(err).To(MatchError(nvm.ErrRange))
	})

	It("refuses a negative length", func() {
		var err error
		Expect(func() { _, err = flash.Read(0, 0, -1) }).NotTo(Panic())
		Expect(err).To(MatchError(nvm.ErrRange))

		Expect(flash.Erase(0, 0, -1)).To(MatchError(nvm.ErrRange))
		Expect(card.Holder(resource.NVM)).To(BeNil())
	})
})
