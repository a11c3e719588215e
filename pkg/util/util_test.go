package util_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnjamespj/kstore/pkg/util"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "util")
}

var _ = Describe("bytes", func() {
	It("should round trip int64", func() {
		buf := make([]byte, 10)
		for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 62)} {
			util.PutInt64(buf[2:], v)
			Expect(util.BytesToInt64(buf, 2)).To(Equal(v))
		}
	})

	It("should checksum deterministically", func() {
		Expect(util.Checksum([]byte("abc"))).To(HaveLen(util.ChecksumSize))
		Expect(util.Checksum([]byte("abc"))).To(Equal(util.Checksum([]byte("abc"))))
		Expect(util.Checksum([]byte("abc"))).NotTo(Equal(util.Checksum([]byte("abd"))))
	})

	It("should clone without aliasing", func() {
		src := []byte("abc")
		dst := util.Clone(src)
		src[0] = 'x'
		Expect(dst).To(Equal([]byte("abc")))
		Expect(util.Clone(nil)).To(BeNil())
	})
})

var _ = Describe("TaskGroup", func() {
	It("should stop every task", func() {
		group := util.NewTaskGroup(context.Background())
		var running atomic.Int32

		for i := 0; i < 3; i++ {
			group.Go(func(ctx context.Context) {
				running.Add(1)
				<-ctx.Done()
				running.Add(-1)
			})
		}
		Eventually(running.Load).Should(Equal(int32(3)))

		group.Stop()
		Expect(running.Load()).To(Equal(int32(0)))
		group.Stop()
	})

	It("should run periodic tasks until stopped", func() {
		group := util.NewTaskGroup(context.Background())
		var ticks atomic.Int32
		group.GoPeriodic(time.Millisecond, func(context.Context) { ticks.Add(1) })

		Eventually(ticks.Load).Should(BeNumerically(">=", 3))
		group.Stop()

		n := ticks.Load()
		Consistently(ticks.Load, 20*time.Millisecond).Should(Equal(n))
	})

	It("should not start tasks after stop", func() {
		group := util.NewTaskGroup(context.Background())
		group.Stop()

		started := false
		group.Go(func(context.Context) { started = true })
		Expect(started).To(BeFalse())
	})
})
