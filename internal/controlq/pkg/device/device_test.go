package device_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
)

var _ = Describe("Device", func() {

	var (
		clock *sim.ManualClock
		card  *sim.Card
	)

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)
	})

	open := func() (*device.Device, *sim.Function) {
		fn := card.NewFunction()
		dev := device.Open(fn, device.DefaultConfig, clock, nil)
		Expect(dev.Init()).To(Succeed())
		DeferCleanup(dev.Close)
		return dev, fn
	}

	It("introduces itself to the firmware", func() {
		dev, fn := open()
		Expect(dev.Firmware()).To(Equal(sim.DefaultConfig.Firmware))
		Expect(fn.Driver()).To(Equal("nnf-nic"))

		Expect(dev.Locks()).NotTo(BeNil())
		Expect(dev.Packages()).NotTo(BeNil())
		Expect(dev.Flash()).NotTo(BeNil())

		for _, ch := range adminq.Channels {
			disp, err := dev.Dispatcher(ch)
			Expect(err).NotTo(HaveOccurred())
			Expect(disp.QueuePair().State()).To(Equal(ring.Active))
		}
	})

	It("refuses firmware with a newer API major version", func() {
		config := sim.DefaultConfig
		config.Firmware.APIMajor = device.SupportedAPIMajor + 1
		card = sim.NewCard(config, clock, nil)

		fn := card.NewFunction()
		dev := device.Open(fn, device.DefaultConfig, clock, nil)
		Expect(dev.Init()).To(MatchError(device.ErrAPIVersion))

		By("freeing every queue it had started")
		Expect(fn.Allocations()).To(BeZero())
		_, err := dev.Dispatcher(adminq.AdminChannel)
		Expect(err).To(MatchError(device.ErrNotOpen))
	})

	It("accepts firmware with minor API drift", func() {
		config := sim.DefaultConfig
		config.Firmware.APIMinor = device.SupportedAPIMinor + 3
		card = sim.NewCard(config, clock, nil)
		open()
	})

	It("refuses commands before Init", func() {
		dev := device.Open(card.NewFunction(), device.DefaultConfig, clock, nil)
		_, err := dev.Execute(dispatch.Command{Opcode: adminq.GetVersionOpcode, Params: adminq.GetVersion{}})
		Expect(err).To(MatchError(device.ErrNotOpen))

		_, err = dev.PollEvents()
		Expect(err).To(MatchError(device.ErrNotOpen))
	})

	It("releases firmware resources on Close", func() {
		fn := card.NewFunction()
		dev := device.Open(fn, device.DefaultConfig, clock, nil)
		Expect(dev.Init()).To(Succeed())

		outcome, _, err := dev.Locks().Acquire(resource.NVM, resource.Write, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(resource.Granted))
		Expect(card.Holder(resource.NVM)).To(Equal(fn))

		Expect(dev.Close()).To(Succeed())
		Expect(card.Holder(resource.NVM)).To(BeNil())
		Expect(fn.Allocations()).To(BeZero())
	})

	It("gives held resources back before shutting the queues down", func() {
		fn := card.NewFunction()
		dev := device.Open(fn, device.DefaultConfig, clock, nil)
		Expect(dev.Init()).To(Succeed())

		var released []resource.ID
		card.Handle(adminq.ReleaseResourceOpcode, func(req *sim.Request) sim.Reply {
			released = append(released, resource.ID(req.Message.Params.(adminq.ResourceRequest).ResourceID))
			return sim.Reply{}
		})

		for _, id := range []resource.ID{resource.NVM, resource.ChangeLock} {
			outcome, _, err := dev.Locks().Acquire(id, resource.Write, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(resource.Granted))
		}

		Expect(dev.Close()).To(Succeed())
		Expect(released).To(ConsistOf(resource.NVM, resource.ChangeLock))
	})

	It("loads a package through its engine", func() {
		dev, _ := open()

		b := ddp.NewBuilder()
		Expect(b.Reserve(1)).To(Succeed())
		Expect(b.AddPackageInfo(ddp.NewPackageInfo("comms", ddp.Version{Major: 1, Minor: 3}))).To(Succeed())
		img, err := ddp.Assemble(ddp.Image{Name: "comms", Version: ddp.Version{Major: 1, Minor: 3}, Buffers: [][]byte{b.Bytes()}})
		Expect(err).NotTo(HaveOccurred())

		state, err := dev.Packages().Load(context.Background(), img)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(ddp.Success))
	})

	Describe("Events", func() {

		It("publishes polled events to matching subscribers", func() {
			dev, fn := open()

			var all, logs []ring.Event
			dev.Subscribe(device.EventSubscriber{HandlerFunc: func(ev ring.Event, _ interface{}) { all = append(all, ev) }})
			dev.Subscribe(device.EventSubscriber{
				Opcode:      adminq.FWLogsEventOpcode,
				HandlerFunc: func(ev ring.Event, data interface{}) { logs = append(logs, ev); Expect(data).To(Equal("fwlog")) },
				Data:        "fwlog",
			})

			card.PostEvent(fn, adminq.AdminChannel, adminq.Message{Opcode: adminq.FWLogsEventOpcode, Params: adminq.Generic{}}, []byte("log"))
			card.PostEvent(fn, adminq.SidebandChannel, adminq.Message{Opcode: adminq.GetLinkStatusOpcode, Params: adminq.LinkStatus{}}, []byte{1})

			n, err := dev.PollEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(all).To(HaveLen(2))
			Expect(all[1].Channel).To(Equal(adminq.SidebandChannel))
			Expect(logs).To(HaveLen(1))
			Expect(logs[0].Data).To(Equal([]byte("log")))

			n, err = dev.PollEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
		})

		It("publishes events drained while waiting for a completion", func() {
			dev, _ := open()

			var links []ring.Event
			dev.Subscribe(device.EventSubscriber{
				Opcode:      adminq.GetLinkStatusOpcode,
				HandlerFunc: func(ev ring.Event, _ interface{}) { links = append(links, ev) },
			})

			_, err := dev.Execute(dispatch.Command{Opcode: adminq.RestartANOpcode, Params: adminq.RestartAN{CmdFlags: adminq.RestartANRestart}})
			Expect(err).NotTo(HaveOccurred())

			Expect(dev.Flash().Write(0, 0, []byte{0x5A})).To(Succeed())
			Expect(links).To(HaveLen(1))
		})

		It("relays mailbox messages between functions", func() {
			a, _ := open()
			b, _ := open()

			var received []ring.Event
			b.Subscribe(device.EventSubscriber{
				Opcode:      adminq.SendMsgToPFOpcode,
				HandlerFunc: func(ev ring.Event, _ interface{}) { received = append(received, ev) },
			})

			_, err := a.Execute(dispatch.Command{
				Opcode:   adminq.SendMsgToPFOpcode,
				Params:   adminq.FunctionMessage{ID: 1},
				Buffer:   []byte("hello"),
				ToDevice: true,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = b.PollEvents()
			Expect(err).NotTo(HaveOccurred())
			Expect(received).To(HaveLen(1))

			Expect(received[0].Channel).To(Equal(adminq.MailboxChannel))
			Expect(received[0].Data).To(Equal([]byte("hello")))
			Expect(received[0].Message.Params.(adminq.FunctionMessage).ID).To(BeZero())
		})
	})
})
