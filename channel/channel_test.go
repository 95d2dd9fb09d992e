package channel_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/oksanagit/casrv/channel"
	"github.com/oksanagit/casrv/dbrtype"
	"github.com/oksanagit/casrv/pvtool"
)

type fakePV struct{ name string }

func (f *fakePV) Name() string                    { return f.name }
func (f *fakePV) BestExternalType() dbrtype.Type  { return dbrtype.Double }
func (f *fakePV) NativeCount() uint32             { return 1 }
func (f *fakePV) BeginTransaction()               {}
func (f *fakePV) EndTransaction()                 {}
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

var _ = Describe("Channel", func() {
	var ch *channel.Channel

	BeforeEach(func() {
		ch = channel.New(1, 100, &fakePV{name: "test:pv"}, pvtool.AccessRights{Read: true, Write: false})
	})

	It("reports access rights it was created with", func() {
		Expect(ch.ReadAccess()).To(BeTrue())
		Expect(ch.WriteAccess()).To(BeFalse())
	})

	It("exposes its CID/SID/PV for lookup by the dispatcher", func() {
		Expect(ch.GetCID()).To(Equal(uint32(1)))
		Expect(ch.GetSID()).To(Equal(uint32(100)))
		Expect(ch.GetPVI().Name()).To(Equal("test:pv"))
	})

	It("installs and looks up monitors", func() {
		Expect(ch.InstallMonitor(7, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
		m, ok := ch.Monitor(7)
		Expect(ok).To(BeTrue())
		Expect(m.Mask).To(Equal(channel.MaskValue))
	})

	It("rejects an empty event mask", func() {
		err := ch.InstallMonitor(7, 1, dbrtype.Double, 0)
		Expect(err).To(MatchError(channel.ErrBadMask))
	})

	It("rejects a duplicate monitor id", func() {
		Expect(ch.InstallMonitor(7, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
		err := ch.InstallMonitor(7, 1, dbrtype.Double, channel.MaskValue)
		Expect(err).To(BeAssignableToTypeOf(&channel.ErrDuplicateMonitor{}))
	})

	It("uninstalls a monitor, reporting whether it existed", func() {
		Expect(ch.InstallMonitor(7, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
		Expect(ch.UninstallMonitor(7)).To(BeTrue())
		Expect(ch.UninstallMonitor(7)).To(BeFalse())
	})

	It("returns a snapshot of installed monitors for fan-out", func() {
		Expect(ch.InstallMonitor(1, 1, dbrtype.Double, channel.MaskValue)).To(Succeed())
		Expect(ch.InstallMonitor(2, 1, dbrtype.Double, channel.MaskLog)).To(Succeed())
		Expect(ch.Monitors()).To(HaveLen(2))
	})

	It("cancels outstanding reads on ClearOutstandingReads", func() {
		cancelled := false
		ch.AddOutstandingRead(func() { cancelled = true })
		ch.ClearOutstandingReads()
		Expect(cancelled).To(BeTrue())
	})

	It("tracks owner user/host", func() {
		ch.SetOwner("alice", "client.example.com")
		user, host := ch.Owner()
		Expect(user).To(Equal("alice"))
		Expect(host).To(Equal("client.example.com"))
	})

	It("denies access and cancels outstanding reads once destroyed", func() {
		cancelled := false
		ch.AddOutstandingRead(func() { cancelled = true })
		ch.DestroyNoClientNotify()

		Expect(ch.Destroyed()).To(BeTrue())
		Expect(ch.ReadAccess()).To(BeFalse())
		Expect(cancelled).To(BeTrue())
		Expect(ch.Monitors()).To(BeEmpty())
	})

	It("DestroyClientNotify tears the channel down the same way", func() {
		ch.DestroyClientNotify()
		Expect(ch.Destroyed()).To(BeTrue())
	})
})
