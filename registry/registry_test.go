package registry_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/oksanagit/casrv/registry"
)

type fakeItem struct {
	id   uint32
	kind registry.Kind
}

func (f *fakeItem) ResID() uint32        { return f.id }
func (f *fakeItem) ResKind() registry.Kind { return f.kind }

type fakeClient struct{ id string }

func (f *fakeClient) ConnID() string { return f.id }

var _ = Describe("Registry", func() {
	var r *registry.Registry

	BeforeEach(func() {
		r = registry.New()
	})

	It("allocates distinct, non-zero IDs", func() {
		a := r.Allocate()
		b := r.Allocate()
		Expect(a).NotTo(BeZero())
		Expect(b).NotTo(BeZero())
		Expect(a).NotTo(Equal(b))
	})

	It("round-trips an installed item by ID and kind", func() {
		id := r.Allocate()
		it := &fakeItem{id: id, kind: registry.KindChannel}
		r.InstallItem(it)

		got, ok := r.LookupRes(id, registry.KindChannel)
		Expect(ok).To(BeTrue())
		Expect(got).To(Equal(registry.Item(it)))
	})

	It("rejects a lookup whose kind does not match the installed item", func() {
		id := r.Allocate()
		r.InstallItem(&fakeItem{id: id, kind: registry.KindChannel})

		_, ok := r.LookupRes(id, registry.KindMonitor)
		Expect(ok).To(BeFalse())
	})

	It("removes an item so later lookups fail", func() {
		id := r.Allocate()
		r.InstallItem(&fakeItem{id: id, kind: registry.KindChannel})
		r.RemoveItem(id)

		_, ok := r.LookupRes(id, registry.KindChannel)
		Expect(ok).To(BeFalse())
		Expect(r.Len()).To(Equal(0))
	})

	It("tracks installed clients independently of resource items", func() {
		c := &fakeClient{id: "conn-1"}
		r.InstallClient(c)
		Expect(r.ClientCount()).To(Equal(1))

		r.RemoveClient(c)
		Expect(r.ClientCount()).To(Equal(0))
	})
})
