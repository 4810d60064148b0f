package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	"github.com/google/uuid"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/adminq"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/ddp"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/device"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/resource"
	"github.com/NearNodeFlash/nnf-nic/internal/controlq/pkg/sim"
	"github.com/NearNodeFlash/nnf-nic/internal/history"
	"github.com/NearNodeFlash/nnf-nic/internal/kvstore"
	"github.com/NearNodeFlash/nnf-nic/internal/server"
)

func packageImage(name string, version ddp.Version) []byte {
	b := ddp.NewBuilder()
	Expect(b.Reserve(1)).To(Succeed())
	Expect(b.AddPackageInfo(ddp.NewPackageInfo(name, version))).To(Succeed())

	img, err := ddp.Assemble(ddp.Image{Name: name, Version: version, Buffers: [][]byte{b.Bytes()}})
	Expect(err).NotTo(HaveOccurred())
	return img
}

var _ = Describe("NIC Router", func() {

	var (
		clock    *sim.ManualClock
		card     *sim.Card
		dev      *device.Device
		recorder *history.Recorder
		ts       *httptest.Server
	)

	BeforeEach(func() {
		clock = sim.NewManualClock()
		card = sim.NewCard(sim.DefaultConfig, clock, nil)

		store, err := kvstore.OpenInMemory()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(store.Close)

		recorder, err = history.New(store, nil)
		Expect(err).NotTo(HaveOccurred())

		config := device.DefaultConfig
		config.Package.OnLoad = recorder.OnLoad
		dev = device.Open(card.NewFunction(), config, clock, nil)
		Expect(dev.Init()).To(Succeed())
		DeferCleanup(dev.Close)

		c := &server.Controller{Name: "test", Routers: server.Routers{server.NewNICRouter(dev, recorder)}}
		handler, err := c.Handler()
		Expect(err).NotTo(HaveOccurred())

		ts = httptest.NewServer(handler)
		DeferCleanup(ts.Close)
	})

	do := func(method, path string, body []byte, model interface{}) int {
		req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())

		rsp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		data, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(rsp.Header.Get("Content-Type")).To(Equal("application/json"))

		if model != nil {
			Expect(json.Unmarshal(data, model)).To(Succeed(), string(data))
		}
		return rsp.StatusCode
	}

	It("reports the firmware version", func() {
		var fw server.Firmware
		Expect(do(http.MethodGet, "/nic/v1/firmware", nil, &fw)).To(Equal(http.StatusOK))
		Expect(fw.Firmware).To(Equal("4.40.1"))
		Expect(fw.API).To(Equal("1.7.0"))
		Expect(fw.Build).To(Equal(sim.DefaultConfig.Firmware.FWBuild))
	})

	It("loads a package and records the session", func() {
		version := ddp.Version{Major: 1, Minor: 3}

		var result server.LoadResult
		Expect(do(http.MethodPost, "/nic/v1/packages", packageImage("comms", version), &result)).To(Equal(http.StatusOK))
		Expect(result.State).To(Equal(ddp.Success.String()))
		Expect(result.Error).To(BeEmpty())

		var packages []server.Package
		Expect(do(http.MethodGet, "/nic/v1/packages", nil, &packages)).To(Equal(http.StatusOK))
		Expect(packages).To(ContainElement(And(
			HaveField("Name", "comms"),
			HaveField("Version", version.String()),
			HaveField("Active", true),
		)))

		var engine server.EngineState
		Expect(do(http.MethodGet, "/nic/v1/packages/engine", nil, &engine)).To(Equal(http.StatusOK))
		Expect(engine.Active).To(ContainSubstring("comms"))

		var sessions []history.Session
		Expect(do(http.MethodGet, "/nic/v1/history", nil, &sessions)).To(Equal(http.StatusOK))
		Expect(sessions).To(HaveLen(1))
		Expect(sessions[0].Package).To(Equal("comms"))

		var session history.Session
		Expect(do(http.MethodGet, "/nic/v1/history/"+sessions[0].ID.String(), nil, &session)).To(Equal(http.StatusOK))
		Expect(session.ID).To(Equal(sessions[0].ID))
	})

	It("rejects a malformed package as a bad request", func() {
		img := packageImage("comms", ddp.Version{Major: 1, Minor: 3})

		var result server.LoadResult
		Expect(do(http.MethodPost, "/nic/v1/packages", img[:len(img)-1], &result)).To(Equal(http.StatusBadRequest))
		Expect(result.State).To(Equal(ddp.InvalidFile.String()))
		Expect(result.Error).NotTo(BeEmpty())
	})

	It("answers unknown sessions with not found", func() {
		Expect(do(http.MethodGet, "/nic/v1/history/"+uuid.NewString(), nil, nil)).To(Equal(http.StatusNotFound))
		Expect(do(http.MethodGet, "/nic/v1/history/not-a-uuid", nil, nil)).To(Equal(http.StatusBadRequest))
	})

	It("reads the flash", func() {
		var data server.NVMData
		Expect(do(http.MethodGet, "/nic/v1/nvm/0/0x100/16", nil, &data)).To(Equal(http.StatusOK))
		Expect(data.Offset).To(BeEquivalentTo(0x100))
		Expect(data.Data).To(Equal(bytes.Repeat([]byte{0xFF}, 16)))

		Expect(do(http.MethodGet, "/nic/v1/nvm/0/0x1000000/16", nil, nil)).To(Equal(http.StatusBadRequest))
		Expect(do(http.MethodGet, "/nic/v1/nvm/0/zero/16", nil, nil)).To(Equal(http.StatusBadRequest))
	})

	It("verifies the flash checksum", func() {
		var sum server.Checksum
		Expect(do(http.MethodGet, "/nic/v1/nvm/checksum", nil, &sum)).To(Equal(http.StatusOK))
		Expect(sum.Valid).To(BeTrue())

		Expect(dev.Flash().Write(0, 0x40, []byte{1, 2, 3})).To(Succeed())
		Expect(do(http.MethodGet, "/nic/v1/nvm/checksum", nil, &sum)).To(Equal(http.StatusOK))
		Expect(sum.Valid).To(BeFalse())
		Expect(sum.Error).NotTo(BeEmpty())
	})

	It("reports the resources it holds", func() {
		_, _, err := dev.Locks().Acquire(resource.NVM, resource.Read, 0)
		Expect(err).NotTo(HaveOccurred())

		var grants []server.Grant
		Expect(do(http.MethodGet, "/nic/v1/resources", nil, &grants)).To(Equal(http.StatusOK))
		Expect(grants).To(ConsistOf(HaveField("Resource", resource.NVM.String())))

		By("refusing flash access held by someone else")
		other := device.Open(card.NewFunction(), device.DefaultConfig, clock, nil)
		Expect(other.Init()).To(Succeed())
		DeferCleanup(other.Close)

		ts2 := httptest.NewServer(routerFor(other))
		DeferCleanup(ts2.Close)

		rsp, err := http.Get(ts2.URL + "/nic/v1/nvm/0/0/4")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusServiceUnavailable))
	})

	It("drains pending events", func() {
		fn := card.Function(0)
		card.PostEvent(fn, adminq.AdminChannel, adminq.Message{Opcode: adminq.GetLinkStatusOpcode, Params: adminq.LinkStatus{}}, nil)

		var count server.EventCount
		Expect(do(http.MethodPost, "/nic/v1/events/poll", nil, &count)).To(Equal(http.StatusOK))
		Expect(count.Count).To(Equal(1))

		Expect(do(http.MethodPost, "/nic/v1/events/poll", nil, &count)).To(Equal(http.StatusOK))
		Expect(count.Count).To(BeZero())
	})
})

func routerFor(dev *device.Device) http.Handler {
	c := &server.Controller{Name: "other", Routers: server.Routers{server.NewNICRouter(dev, nil)}}
	handler, err := c.Handler()
	Expect(err).NotTo(HaveOccurred())
	return handler
}

var _ = Describe("Controller", func() {

	It("stops serving when the context ends", func() {
		c := &server.Controller{Name: "test", Address: "127.0.0.1:0"}

		ctx, cancel := context.WithCancel(context.Background())
		served := make(chan error, 1)
		go func() { served <- c.ListenAndServe(ctx) }()

		Consistently(served, "200ms").ShouldNot(Receive())
		cancel()
		Eventually(served, "5s").Should(Receive(BeNil()))
	})

	It("reports an address it cannot listen on", func() {
		c := &server.Controller{Name: "test", Address: "127.0.0.1:not-a-port"}
		Expect(c.ListenAndServe(context.Background())).To(HaveOccurred())
	})
})
