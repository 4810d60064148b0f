package resource_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
)

var _ = Describe("Resource Arbitration", func() {

	var (
		clock *sim.ManualClock
		card  *sim.Card
		a, b  *resource.Client
		aDisp *dispatch.Dispatcher
	)

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)
		a, aDisp = newClient(card, clock)
		b, _ = newClient(card, clock)
	})

	Describe("NVM", func() {

		It("answers busy at once while another function writes, and grants after release", func() {
			outcome, grant, err := a.Acquire(resource.NVM, resource.Write, 180*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))
			Expect(grant.Timeout).To(Equal(180 * time.Second))

			before := clock.Now()
			outcome, grant, err = b.Acquire(resource.NVM, resource.Write, 180*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Busy))
			Expect(grant).To(BeNil())
			Expect(clock.Now()).To(Equal(before))

			Expect(a.Release(resource.NVM)).To(Succeed())

			outcome, _, err = b.Acquire(resource.NVM, resource.Write, 180*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))
			Expect(b.Held()).To(HaveLen(1))
		})

		It("uses the resource's default hold time", func() {
			_, grant, err := a.Acquire(resource.NVM, resource.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(grant.Timeout).To(Equal(resource.DefaultTimeouts.NVMRead))
			Expect(grant.Expires).To(Equal(clock.Now().Add(resource.DefaultTimeouts.NVMRead)))
		})

		It("lets the firmware reclaim an expired hold", func() {
			outcome, _, err := a.Acquire(resource.NVM, resource.Read, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			clock.Advance(resource.DefaultTimeouts.NVMRead + time.Millisecond)

			outcome, _, err = b.Acquire(resource.NVM, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			By("refusing the release from the function that lost it")
			err = a.Release(resource.NVM)
			Expect(errors.Is(err, adminq.StatusEPERM)).To(BeTrue())
		})
	})

	Describe("Global configuration lock", func() {

		It("reports in progress while held elsewhere, and grants after release", func() {
			outcome, _, err := a.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			outcome, _, err = b.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.InProgress))

			Expect(a.Release(resource.GlobalConfigLock)).To(Succeed())

			outcome, _, err = b.PollGlobalConfigLock(context.Background(), 100*time.Millisecond, resource.DefaultTimeouts.GlobalConfigLock)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))
		})

		It("keeps polling until the holder's time runs out", func() {
			_, _, err := a.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())

			start := clock.Now()
			outcome, _, err := b.PollGlobalConfigLock(context.Background(), 500*time.Millisecond, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))
			Expect(clock.Now().Sub(start)).To(BeNumerically(">=", resource.DefaultTimeouts.GlobalConfigLock))
		})

		It("gives up polling after its own timeout", func() {
			_, _, err := a.Acquire(resource.GlobalConfigLock, resource.Write, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			outcome, _, err := b.PollGlobalConfigLock(context.Background(), 100*time.Millisecond, time.Second)
			Expect(outcome).To(Equal(resource.InProgress))
			Expect(err).To(MatchError(resource.ErrWaitTimeout))
			Expect(dispatch.IsRetryable(err)).To(BeTrue())
		})

		It("stops polling when the context ends", func() {
			_, _, err := a.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, _, err = b.PollGlobalConfigLock(ctx, 100*time.Millisecond, time.Second)
			Expect(err).To(MatchError(context.Canceled))
		})

		It("reports already done once another function activated a package", func() {
			outcome, _, err := a.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			builder := ddp.NewBuilder()
			Expect(builder.Reserve(1)).To(Succeed())
			Expect(builder.AddPackageInfo(ddp.NewPackageInfo("default", ddp.Version{Major: 1, Minor: 3}))).To(Succeed())
			_, err = aDisp.Execute(dispatch.Command{
				Opcode:   adminq.DownloadPackageOpcode,
				Params:   adminq.PackageBuffer{Flags: adminq.PackageLastBuffer},
				Buffer:   builder.Bytes(),
				ToDevice: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Release(resource.GlobalConfigLock)).To(Succeed())

			outcome, grant, err := b.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.AlreadyDone))
			Expect(grant).To(BeNil())
		})
	})

	Describe("Structured hold", func() {

		It("releases after the work, even when it fails", func() {
			failure := errors.New("work failed")
			err := a.With(resource.ChangeLock, resource.Write, func(g *resource.Grant) error {
				Expect(card.Holder(resource.ChangeLock)).NotTo(BeNil())
				Expect(g.ID).To(Equal(resource.ChangeLock))
				return failure
			})
			Expect(err).To(MatchError(failure))
			Expect(card.Holder(resource.ChangeLock)).To(BeNil())
			Expect(a.Held()).To(BeEmpty())
		})

		It("does not run the work when the resource is busy", func() {
			_, _, err := a.Acquire(resource.SharedPin, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())

			ran := false
			err = b.With(resource.SharedPin, resource.Write, func(*resource.Grant) error {
				ran = true
				return nil
			})
			Expect(ran).To(BeFalse())

			var unavailable *resource.Unavailable
			Expect(errors.As(err, &unavailable)).To(BeTrue())
			Expect(unavailable.Outcome).To(Equal(resource.Busy))
			Expect(dispatch.IsRetryable(err)).To(BeTrue())
		})

		It("releases everything held", func() {
			for _, id := range []resource.ID{resource.NVM, resource.ChangeLock, resource.SharedPin} {
				outcome, _, err := a.Acquire(id, resource.Write, 0)
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome).To(Equal(resource.Granted))
			}
			Expect(a.Held()).To(HaveLen(3))

			Expect(a.ReleaseAll()).To(Succeed())
			Expect(a.Held()).To(BeEmpty())
			Expect(card.Holder(resource.NVM)).To(BeNil())
		})
	})

	It("reports the hold times it applies", func() {
		t := resource.Timeouts{NVMWrite: time.Minute}
		Expect(t.For(resource.NVM, resource.Write)).To(Equal(time.Minute))
		Expect(resource.DefaultTimeouts.For(resource.NVM, resource.Write)).To(Equal(180 * time.Second))
		Expect(resource.DefaultTimeouts.For(resource.ChangeLock, resource.Write)).To(Equal(time.Second))
		Expect(resource.DefaultTimeouts.For(resource.GlobalConfigLock, resource.Write)).To(Equal(3 * time.Second))
	})

	It("names outcomes, including ones it does not know", func() {
		Expect(resource.Granted.String()).To(Equal("granted"))
		Expect(resource.AlreadyDone.String()).To(Equal("already-done"))
		Expect(resource.Outcome(42).String()).To(Equal("Outcome(42)"))
		Expect(resource.Outcome(-1).String()).To(Equal("Outcome(-1)"))
	})
})
