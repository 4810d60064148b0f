package dispatch_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/dispatch"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ring"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
)

var _ = Describe("Dispatcher", func() {

	var (
		clock *sim.ManualClock
		card  *sim.Card
		fn    *sim.Function
		d     *dispatch.Dispatcher
	)

	getVersion := dispatch.Command{Opcode: adminq.GetVersionOpcode, Params: adminq.GetVersion{}}

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)
		fn = card.NewFunction()
		d = attach(fn, clock, adminq.AdminChannel, dispatch.Options{})
	})

	It("completes a command with the firmware's response", func() {
		rsp, err := d.Execute(getVersion)
		Expect(err).NotTo(HaveOccurred())
		Expect(rsp.Status).To(Equal(adminq.StatusOK))
		Expect(rsp.Flags.Has(adminq.FlagDD)).To(BeTrue())
		Expect(rsp.Params).To(Equal(sim.DefaultConfig.Firmware))
		Expect(d.LastStatus()).To(Equal(adminq.StatusOK))
	})

	It("gives every command a fresh cookie", func() {
		first, err := d.Execute(getVersion)
		Expect(err).NotTo(HaveOccurred())
		second, err := d.Execute(getVersion)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Cookie).To(BeNumerically(">", first.Cookie))
	})

	It("sends a buffer to the device", func() {
		_, err := d.Execute(dispatch.Command{
			Opcode:   adminq.DriverVersionOpcode,
			Params:   adminq.DriverVersion{Major: 1, Minor: 2},
			Buffer:   []byte("nnf-nic 1.2"),
			ToDevice: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(fn.Driver()).To(Equal("nnf-nic 1.2"))
	})

	It("refuses to submit an event opcode", func() {
		_, err := d.Execute(dispatch.Command{Opcode: adminq.TxQueuesCleanedUpOpcode, Params: adminq.TxQueuesCleanedUp{}})
		Expect(err).To(MatchError(dispatch.ErrNotCommand))
	})

	It("refuses a buffer larger than the sideband channel allows", func() {
		sb := attach(fn, clock, adminq.SidebandChannel, dispatch.Options{})
		_, err := sb.Execute(dispatch.Command{
			Opcode: adminq.DriverVersionOpcode,
			Params: adminq.DriverVersion{},
			Buffer: make([]byte, adminq.MaxSidebandBufferSize+1),
		})
		Expect(err).To(MatchError(dispatch.ErrBufferTooLarge))
	})

	It("translates a firmware failure", func() {
		fn.Inject(sim.Fault{Opcode: adminq.GetVersionOpcode, Status: adminq.StatusEIO})

		rsp, err := d.Execute(getVersion)
		Expect(rsp).NotTo(BeNil())

		var fwErr *dispatch.Error
		Expect(errors.As(err, &fwErr)).To(BeTrue())
		Expect(fwErr.Kind).To(Equal(dispatch.Failed))
		Expect(errors.Is(err, adminq.StatusEIO)).To(BeTrue())
		Expect(dispatch.IsRetryable(err)).To(BeTrue())
		Expect(d.LastStatus()).To(Equal(adminq.StatusEIO))

		By("not retrying on its own")
		_, err = d.Execute(getVersion)
		Expect(err).NotTo(HaveOccurred())
	})

	It("does not treat a permanent failure as retryable", func() {
		fn.Inject(sim.Fault{Opcode: adminq.GetVersionOpcode, Status: adminq.StatusEINVAL})
		_, err := d.Execute(getVersion)
		Expect(err).To(HaveOccurred())
		Expect(dispatch.IsRetryable(err)).To(BeFalse())
	})

	Describe("Timeouts", func() {

		It("times out on a dropped completion and stays usable", func() {
			fn.Inject(sim.Fault{Opcode: adminq.GetVersionOpcode, Drop: true})

			start := clock.Now()
			_, err := d.Execute(getVersion)
			Expect(err).To(MatchError(dispatch.ErrTimeout))
			Expect(clock.Now().Sub(start)).To(BeNumerically(">=", time.Second))

			rsp, err := d.Execute(getVersion)
			Expect(err).NotTo(HaveOccurred())
			Expect(rsp.Status).To(Equal(adminq.StatusOK))

			ntu, ntc := d.QueuePair().Cursors()
			Expect(ntc).To(Equal(ntu))
		})

		It("waits for a completion that arrives within budget", func() {
			fn.Inject(sim.Fault{Opcode: adminq.GetVersionOpcode, Delay: 50 * time.Millisecond})

			start := clock.Now()
			_, err := d.Execute(getVersion)
			Expect(err).NotTo(HaveOccurred())
			Expect(clock.Now().Sub(start)).To(BeNumerically(">=", 50*time.Millisecond))
		})

		It("honors a per-command timeout", func() {
			fn.Inject(sim.Fault{Opcode: adminq.GetVersionOpcode, Delay: 50 * time.Millisecond})

			cmd := getVersion
			cmd.Timeout = 10 * time.Millisecond
			_, err := d.Execute(cmd)
			Expect(err).To(MatchError(dispatch.ErrTimeout))

			By("completing the late command before the next one")
			_, err = d.Execute(getVersion)
			Expect(err).NotTo(HaveOccurred())
		})

		It("uses the overrides for slow opcodes", func() {
			Expect(d.Budget(dispatch.Command{Opcode: adminq.DownloadPackageOpcode})).To(Equal(3 * time.Second))
			Expect(d.Budget(getVersion)).To(Equal(time.Second))
		})
	})

	Describe("Batches", func() {

		It("reports commands skipped after a failure as flushed", func() {
			fn.Inject(sim.Fault{Opcode: adminq.SetMACConfigOpcode, Status: adminq.StatusEINVAL})

			results, err := d.ExecuteBatch([]dispatch.Command{
				{Opcode: adminq.SetMACConfigOpcode, Params: adminq.SetMACConfig{MaxFrameSize: 9000}},
				getVersion,
				getVersion,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(3))

			Expect(errors.Is(results[0].Err, adminq.StatusEINVAL)).To(BeTrue())
			Expect(results[0].Err).NotTo(MatchError(dispatch.ErrFlushed))

			for _, r := range results[1:] {
				Expect(r.Err).To(MatchError(dispatch.ErrFlushed))
				Expect(dispatch.IsRetryable(r.Err)).To(BeFalse())
			}
		})

		It("completes a clean batch in order", func() {
			results, err := d.ExecuteBatch([]dispatch.Command{getVersion, getVersion})
			Expect(err).NotTo(HaveOccurred())
			Expect(results[0].Err).NotTo(HaveOccurred())
			Expect(results[1].Err).NotTo(HaveOccurred())
			Expect(results[1].Response.Cookie).To(BeNumerically(">", results[0].Response.Cookie))
		})

		It("refuses a batch larger than the queue", func() {
			cmds := make([]dispatch.Command, 16)
			for i := range cmds {
				cmds[i] = getVersion
			}
			_, err := d.ExecuteBatch(cmds)
			Expect(err).To(MatchError(dispatch.ErrQueueFull))
		})
	})

	Describe("Events", func() {

		It("waits for an event and hands others to the unmatched hook", func() {
			var unmatched []ring.Event
			d = attach(card.NewFunction(), clock, adminq.AdminChannel, dispatch.Options{
				Unmatched: func(ev ring.Event) { unmatched = append(unmatched, ev) },
			})

			_, err := d.Execute(dispatch.Command{Opcode: adminq.RestartANOpcode, Params: adminq.RestartAN{CmdFlags: adminq.RestartANRestart}})
			Expect(err).NotTo(HaveOccurred())
			_, err = d.Execute(dispatch.Command{Opcode: adminq.DisableTxQueuesOpcode, Params: adminq.DisableTxQueues{}})
			Expect(err).NotTo(HaveOccurred())

			ev, err := d.WaitForEvent(adminq.TxQueuesCleanedUpOpcode, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Kind).To(Equal(ring.Unsolicited))
			Expect(ev.Message.Opcode).To(Equal(adminq.TxQueuesCleanedUpOpcode))

			Expect(unmatched).To(HaveLen(1))
			Expect(unmatched[0].Message.Opcode).To(Equal(adminq.GetLinkStatusOpcode))
			Expect(unmatched[0].Data).To(Equal([]byte{1}))
		})

		It("times out waiting for an event that never comes", func() {
			_, err := d.WaitForEvent(adminq.TxQueuesCleanedUpOpcode, 10*time.Millisecond)
			Expect(err).To(MatchError(dispatch.ErrTimeout))
		})

		It("drains every waiting event", func() {
			card.PostEvent(fn, adminq.AdminChannel, adminq.Message{Opcode: adminq.FWLogsEventOpcode, Params: adminq.Generic{}}, []byte("one"))
			card.PostEvent(fn, adminq.AdminChannel, adminq.Message{Opcode: adminq.FWLogsEventOpcode, Params: adminq.Generic{}}, []byte("two"))

			var data []string
			n, err := d.Drain(func(ev ring.Event) { data = append(data, string(ev.Data)) })
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(data).To(Equal([]string{"one", "two"}))
		})
	})
})
