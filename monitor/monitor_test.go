package monitor_test

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/monitor"
	"github.com/oksanagit/casrv/obuf"
	"github.com/oksanagit/casrv/pvtool"
	"github.com/oksanagit/casrv/wire"
)

type collectTransport struct{ buf bytes.Buffer }

func (c *collectTransport) Flush(b []byte) (int, obuf.FlushResult, error) {
	n, _ := c.buf.Write(b)
	return n, obuf.Progress, nil
}

type fakePV struct{ name string }

func (f *fakePV) Name() string                   { return f.name }
func (f *fakePV) BestExternalType() dbrtype.Type { return dbrtype.Double }
func (f *fakePV) NativeCount() uint32            { return 1 }
func (f *fakePV) BeginTransaction()              {}
func (f *fakePV) EndTransaction()                {}
func (f *fakePV) CreateChannel(uint32) (pvtool.AccessRights, pvtool.Outcome, error) {
	return pvtool.AccessRights{Read: true, Write: true}, pvtool.Sync, nil
}
func (f *fakePV) Read(context.Context, *dbrtype.Descriptor, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) Write(context.Context, *dbrtype.Descriptor, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) UpdateEnumStringTable(context.Context, pvtool.IOCompleter) pvtool.Outcome {
	return pvtool.Sync
}
func (f *fakePV) EnumStringTable() []string { return nil }

type fakeTarget struct{ ob *obuf.Buffer }

func (f *fakeTarget) Obuf() *obuf.Buffer { return f.ob }

var _ = Describe("Monitor engine", func() {
	var (
		ch *channel.Channel
		ob *obuf.Buffer
		tr *collectTransport
		tg *fakeTarget
	)

	BeforeEach(func() {
		ch = channel.New(1, 42, &fakePV{name: "temperature"}, pvtool.AccessRights{Read: true, Write: true})
		tr = &collectTransport{}
		ob = obuf.New(256, tr)
		tg = &fakeTarget{ob: ob}
		Expect(ch.InstallMonitor(7, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
	})

	It("delivers a value frame carrying the channel SID and monitor ID", func() {
		mon, _ := ch.Monitor(7)
		src := &dbrtype.Descriptor{Type: dbrtype.Double, Count: 1, Doubles: []float64{98.6}}

		Expect(monitor.DeliverOne(tg, ch, mon, src)).To(Succeed())
		_, flushErr := ob.Flush()
		Expect(flushErr).NotTo(HaveOccurred())

		h, _, err := wire.Decode(tr.buf.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.Command).To(Equal(wire.CmdEventAdd))
		Expect(h.ID1).To(Equal(uint32(42)))
		Expect(h.ID2).To(Equal(uint32(7)))
		Expect(h.Size).To(Equal(uint32(8)))
	})

	It("repurposes the CID field as a status code on access denial", func() {
		ch2 := channel.New(1, 43, &fakePV{name: "temperature"}, pvtool.AccessRights{Read: false, Write: false})
		Expect(ch2.InstallMonitor(9, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
		mon2, _ := ch2.Monitor(9)
		src := &dbrtype.Descriptor{Type: dbrtype.Double, Count: 1, Doubles: []float64{1}}

		Expect(monitor.DeliverOne(tg, ch2, mon2, src)).To(Succeed())
		_, flushErr := ob.Flush()
		Expect(flushErr).NotTo(HaveOccurred())

		h, n, err := wire.Decode(tr.buf.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID1).To(Equal(uint32(wire.StatusNoReadAccess)))
		Expect(h.ID2).To(Equal(uint32(9)))
		Expect(h.Size).To(Equal(uint32(8)))
		payload := tr.buf.Bytes()[n : n+wire.AlignUp(int(h.Size))]
		for _, b := range payload {
			Expect(b).To(Equal(byte(0)))
		}
	})

	It("fans out only to monitors whose mask intersects the update cause", func() {
		Expect(ch.InstallMonitor(8, 1, dbrtype.Double, channel.MaskLog)).To(Succeed())
		src := &dbrtype.Descriptor{Type: dbrtype.Double, Count: 1, Doubles: []float64{1}}

		errs := monitor.FanOut(tg, ch, channel.MaskValue, src)
		Expect(errs).To(BeEmpty())
		_, flushErr := ob.Flush()
		Expect(flushErr).NotTo(HaveOccurred())

		// only monitor 7 (MaskValue) should have produced a frame; decode
		// the single frame and confirm it is addressed to monitor 7.
		h, _, err := wire.Decode(tr.buf.Bytes())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.ID2).To(Equal(uint32(7)))
	})
})
