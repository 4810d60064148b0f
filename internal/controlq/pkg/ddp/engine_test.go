package ddp_test

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
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
)

// function is one physical function of the simulated card with a package
// engine on its admin channel.
type function struct {
	fn     *sim.Function
	locks  *resource.Client
	engine *ddp.Engine
}

func newFunction(card *sim.Card, clock *sim.ManualClock, opts ddp.Options) *function {
	fn := card.NewFunction()
	qp := ring.New(adminq.AdminChannel, fn, ring.DefaultConfig, nil)
	Expect(qp.Init()).To(Succeed())
	Expect(qp.Start()).To(Succeed())
	DeferCleanup(qp.Shutdown)

	d := dispatch.New(qp, dispatch.Options{Delay: clock.Sleep}, nil)
	locks := resource.New(d, resource.Timeouts{}, clock, nil)

	if opts.Device == (ddp.DeviceID{}) {
		opts.Device = sim.DefaultConfig.Device
	}
	return &function{fn: fn, locks: locks, engine: ddp.NewEngine(d, locks, clock, opts, nil)}
}

var _ = Describe("Package Transfer Engine", func() {

	var (
		clock *sim.ManualClock
		card  *sim.Card
		a     *function
		ctx   context.Context
	)

	version := ddp.Version{Major: 1, Minor: 3, Update: 0, Draft: 0}
	device := sim.DefaultConfig.Device

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)
		a = newFunction(card, clock, ddp.Options{})
		ctx = context.Background()
	})

	// countRequests records every resource request the firmware sees.
	countRequests := func() *int {
		n := new(int)
		card.Handle(adminq.RequestResourceOpcode, func(*sim.Request) sim.Reply {
			*n++
			return sim.Reply{Status: adminq.StatusEIO}
		})
		return n
	}

	It("loads a package and activates it", func() {
		Expect(a.engine.State()).To(Equal(ddp.NotLoaded))

		state, err := a.engine.Load(ctx, image("comms", version, 3, device))
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(ddp.Success))

		active, ok := card.Active()
		Expect(ok).To(BeTrue())
		Expect(active).To(Equal(ddp.NewPackageInfo("comms", version)))

		Expect(a.engine.State()).To(Equal(ddp.Active))
		engineActive, ok := a.engine.Active()
		Expect(ok).To(BeTrue())
		Expect(engineActive).To(Equal(active))

		Expect(card.Holder(resource.GlobalConfigLock)).To(BeNil())
		Expect(a.locks.Held()).To(BeEmpty())
	})

	It("reports the package list the firmware holds", func() {
		_, err := a.engine.Load(ctx, image("comms", version, 1))
		Expect(err).NotTo(HaveOccurred())

		entries, err := a.engine.ActivePackages()
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Info).To(Equal(ddp.NewPackageInfo("comms", version)))
		Expect(entries[0].Active).To(Equal(uint8(1)))
	})

	Describe("A package already loaded", func() {

		BeforeEach(func() {
			state, err := a.engine.Load(ctx, image("comms", version, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(ddp.Success))
		})

		DescribeTable("classifies a second load on the same function",
			func(name string, v ddp.Version, expected ddp.LoadState) {
				state, err := a.engine.Load(ctx, image(name, v, 2))
				Expect(state).To(Equal(expected))
				if expected.Succeeded() {
					Expect(err).NotTo(HaveOccurred())
				} else {
					var failure *ddp.LoadFailure
					Expect(errors.As(err, &failure)).To(BeTrue())
					Expect(failure.State).To(Equal(expected))
				}

				active, _ := card.Active()
				Expect(active).To(Equal(ddp.NewPackageInfo("comms", version)))
				Expect(a.engine.State()).To(Equal(ddp.Active))
			},
			Entry("same version", "comms", version, ddp.SameVersionAlreadyLoaded),
			Entry("different update", "comms", ddp.Version{Major: 1, Minor: 3, Update: 7}, ddp.CompatibleAlreadyLoaded),
			Entry("different minor", "comms", ddp.Version{Major: 1, Minor: 2}, ddp.AlreadyLoadedNotSupported),
		)

		It("tells another function the work is already done", func() {
			b := newFunction(card, clock, ddp.Options{})

			state, err := b.engine.Load(ctx, image("comms", version, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(ddp.SameVersionAlreadyLoaded))
			Expect(b.engine.State()).To(Equal(ddp.Active))
			Expect(card.Holder(resource.GlobalConfigLock)).To(BeNil())
		})

		It("keeps the active package when a later load fails validation", func() {
			_, err := a.engine.Load(ctx, image("comms", ddp.Version{Major: 9}, 1))
			Expect(err).To(HaveOccurred())

			info, ok := a.engine.Active()
			Expect(ok).To(BeTrue())
			Expect(info).To(Equal(ddp.NewPackageInfo("comms", version)))
			Expect(a.engine.State()).To(Equal(ddp.Active))
		})
	})

	Describe("Global configuration lock", func() {

		It("waits for another function's hold to expire", func() {
			b := newFunction(card, clock, ddp.Options{LockWait: 10 * time.Second})

			outcome, _, err := a.locks.Acquire(resource.GlobalConfigLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			start := clock.Now()
			state, err := b.engine.Load(ctx, image("comms", version, 1))
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(ddp.Success))
			Expect(clock.Now().Sub(start)).To(BeNumerically(">=", resource.DefaultTimeouts.GlobalConfigLock))
		})

		It("gives up when the lock does not come free in time", func() {
			b := newFunction(card, clock, ddp.Options{LockWait: time.Second})

			_, _, err := a.locks.Acquire(resource.GlobalConfigLock, resource.Write, 10*time.Second)
			Expect(err).NotTo(HaveOccurred())

			state, err := b.engine.Load(ctx, image("comms", version, 1))
			Expect(state).To(Equal(ddp.Error))
			Expect(err).To(MatchError(resource.ErrWaitTimeout))
			Expect(b.engine.State()).To(Equal(ddp.NotLoaded))

			_, ok := card.Active()
			Expect(ok).To(BeFalse())
		})

		It("retries when the firmware answers busy", func() {
			a.fn.Inject(sim.Fault{Opcode: adminq.RequestResourceOpcode, Status: adminq.StatusEBUSY})

			state, err := a.engine.Load(ctx, image("comms", version, 1))
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(ddp.Success))
			Expect(card.Holder(resource.GlobalConfigLock)).To(BeNil())
		})

		It("never downloads while the firmware keeps answering busy", func() {
			b := newFunction(card, clock, ddp.Options{LockWait: time.Second})
			b.fn.Inject(sim.Fault{Opcode: adminq.RequestResourceOpcode, Status: adminq.StatusEBUSY, Count: 1000})

			downloads := 0
			card.Handle(adminq.DownloadPackageOpcode, func(*sim.Request) sim.Reply {
				downloads++
				return sim.Reply{Status: adminq.StatusEIO}
			})

			state, err := b.engine.Load(ctx, image("comms", version, 1))
			Expect(state).To(Equal(ddp.Error))

			var unavailable *resource.Unavailable
			Expect(errors.As(err, &unavailable)).To(BeTrue())
			Expect(unavailable.Outcome).To(Equal(resource.Busy))
			Expect(downloads).To(BeZero())
			Expect(b.locks.Held()).To(BeEmpty())
			Expect(b.engine.State()).To(Equal(ddp.NotLoaded))
		})
	})

	Describe("Validation", func() {

		DescribeTable("rejects a bad image without talking to the firmware",
			func(img func() []byte, expected ddp.LoadState) {
				requests := countRequests()

				state, err := a.engine.Load(ctx, img())
				Expect(state).To(Equal(expected))
				Expect(err).To(HaveOccurred())
				Expect(*requests).To(BeZero())
				Expect(a.engine.State()).To(Equal(ddp.NotLoaded))
			},
			Entry("truncated", func() []byte { return image("comms", version, 1)[:100] }, ddp.InvalidFile),
			Entry("version too high", func() []byte { return image("comms", ddp.Version{Major: 1, Minor: 4}, 1) }, ddp.FileVersionTooHigh),
			Entry("version too low", func() []byte { return image("comms", ddp.Version{Major: 0, Minor: 1}, 1) }, ddp.FileVersionTooLow),
			Entry("another device", func() []byte {
				return image("comms", version, 1, ddp.DeviceID{VendorID: 0x8086, DeviceID: 0x1592})
			}, ddp.FirmwareMismatch),
		)

		It("honours a narrower version range", func() {
			b := newFunction(card, clock, ddp.Options{Versions: ddp.VersionRange{Min: version, Max: version}})
			state, err := b.engine.Load(ctx, image("comms", ddp.Version{Major: 1, Minor: 2}, 1))
			Expect(state).To(Equal(ddp.FileVersionTooLow))
			Expect(err).To(MatchError(ddp.ErrVersionTooLow))
		})
	})

	Describe("Firmware rejection", func() {

		DescribeTable("maps the rejecting status to a load state",
			func(status adminq.Status, expected ddp.LoadState) {
				a.fn.Inject(sim.RejectBuffer(1, status, 0x40, 7))

				img, err := ddp.Assemble(ddp.Image{
					Name:    "comms",
					Version: version,
					Buffers: [][]byte{metadataBuffer(), dataBuffer("comms", version, 1), dataBuffer("comms", version, 2), dataBuffer("comms", version, 3)},
				})
				Expect(err).NotTo(HaveOccurred())

				state, err := a.engine.Load(ctx, img)
				Expect(state).To(Equal(expected))

				var bufErr *ddp.BufferError
				Expect(errors.As(err, &bufErr)).To(BeTrue())
				Expect(bufErr.Index).To(Equal(2))
				Expect(bufErr.Offset).To(Equal(uint32(0x40)))
				Expect(bufErr.Info).To(Equal(uint32(7)))
				Expect(errors.Is(err, status)).To(BeTrue())

				By("releasing the lock and leaving nothing active")
				Expect(card.Holder(resource.GlobalConfigLock)).To(BeNil())
				_, ok := card.Active()
				Expect(ok).To(BeFalse())
				Expect(a.engine.State()).To(Equal(ddp.NotLoaded))

				By("loading cleanly once the fault is gone")
				state, err = a.engine.Load(ctx, img)
				Expect(err).NotTo(HaveOccurred())
				Expect(state).To(Equal(ddp.Success))
			},
			Entry("no secure manifest", adminq.StatusENOSEC, ddp.NoSecureManifest),
			Entry("bad signature", adminq.StatusEBADSIG, ddp.FileSignatureInvalid),
			Entry("revision too low", adminq.StatusESVN, ddp.FileRevisionTooLow),
			Entry("bad manifest", adminq.StatusEBADMAN, ddp.ManifestInvalid),
			Entry("bad buffer", adminq.StatusEBADBUF, ddp.BufferInvalid),
			Entry("anything else", adminq.StatusEIO, ddp.LoadError),
		)

		It("reports where the firmware's own validation failed", func() {
			img := image("comms", version, 2)
			pkg, err := ddp.Parse(img, ddp.DefaultVersionRange)
			Expect(err).NotTo(HaveOccurred())

			// Offset 0x10, info 3.
			card.Handle(adminq.DownloadPackageOpcode, func(req *sim.Request) sim.Reply {
				copy(req.Buffer, []byte{0x10, 0, 0, 0, 3, 0, 0, 0})
				return sim.Reply{Status: adminq.StatusEBADBUF}
			})

			state, err := a.engine.Load(ctx, img)
			Expect(state).To(Equal(ddp.BufferInvalid))

			var bufErr *ddp.BufferError
			Expect(errors.As(err, &bufErr)).To(BeTrue())
			Expect(bufErr.Index).To(Equal(pkg.TransferBuffers()[0].Index))
			Expect(bufErr.Offset).To(Equal(uint32(0x10)))
			Expect(bufErr.Info).To(Equal(uint32(3)))
		})
	})

	It("reports every attempt", func() {
		var reports []ddp.Report
		b := newFunction(card, clock, ddp.Options{OnLoad: func(r ddp.Report) { reports = append(reports, r) }})

		img, err := ddp.Assemble(ddp.Image{
			Name:    "comms",
			Version: version,
			Buffers: [][]byte{metadataBuffer(), dataBuffer("comms", version, 1), dataBuffer("comms", version, 2)},
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = b.engine.Load(ctx, img)
		Expect(err).NotTo(HaveOccurred())
		_, err = b.engine.Load(ctx, img[:20])
		Expect(err).To(HaveOccurred())

		Expect(reports).To(HaveLen(2))
		Expect(reports[0].State).To(Equal(ddp.Success))
		Expect(reports[0].Buffers).To(Equal(2))
		Expect(reports[0].Package.Name).To(Equal("comms"))
		Expect(reports[0].Finished).NotTo(BeTemporally("<", reports[0].Started))

		Expect(reports[1].State).To(Equal(ddp.InvalidFile))
		Expect(reports[1].Package).To(BeNil())
		Expect(reports[1].Err).To(MatchError(ddp.ErrTruncated))
	})

	Describe("Update", func() {

		builders := func() []*ddp.Builder {
			var out []*ddp.Builder
			for i := 0; i < 2; i++ {
				b := ddp.NewBuilder()
				Expect(b.Reserve(1)).To(Succeed())
				_, err := b.Alloc(0x10, 32)
				Expect(err).NotTo(HaveOccurred())
				out = append(out, b)
			}
			return out
		}

		It("sends the buffers under the change lock", func() {
			Expect(a.engine.Update(builders()...)).To(Succeed())
			Expect(card.Updates()).To(Equal(1))
			Expect(card.Holder(resource.ChangeLock)).To(BeNil())
		})

		It("does not send while another function holds the change lock", func() {
			b := newFunction(card, clock, ddp.Options{})
			outcome, _, err := b.locks.Acquire(resource.ChangeLock, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))

			err = a.engine.Update(builders()...)
			var unavailable *resource.Unavailable
			Expect(errors.As(err, &unavailable)).To(BeTrue())
			Expect(unavailable.Outcome).To(Equal(resource.Busy))
			Expect(card.Updates()).To(BeZero())
		})

		It("refuses a builder whose buffer would not validate", func() {
			err := a.engine.Update(ddp.NewBuilder())
			Expect(err).To(MatchError(ddp.ErrBadBuffer))
			Expect(card.Updates()).To(BeZero())
			Expect(card.Holder(resource.ChangeLock)).To(BeNil())
		})
	})
})
