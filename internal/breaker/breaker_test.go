package breaker_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gogogo1024/spgate/internal/breaker"
)

var _ = Describe("Breaker", func() {
	var b *breaker.Breaker

	trip := func() {
		b.RecordFailure()
		b.RecordFailure()
		b.RecordFailure()
	}

	Describe("New", func() {
		It("should start closed", func() {
			b = breaker.New(5, 30*time.Second)
			Expect(b.State()).To(Equal(breaker.StateClosed))
			Expect(b.Allow()).To(BeTrue())
		})

		It("should treat a zero threshold as one", func() {
			b = breaker.New(0, time.Second)
			b.RecordFailure()
			Expect(b.State()).To(Equal(breaker.StateOpen))
		})
	})

	Describe("State transitions", func() {
		BeforeEach(func() {
			b = breaker.New(3, 100*time.Millisecond)
		})

		Context("when in CLOSED state", func() {
			It("should remain closed after failures below threshold", func() {
				b.RecordFailure()
				b.RecordFailure()
				Expect(b.State()).To(Equal(breaker.StateClosed))
				Expect(b.Allow()).To(BeTrue())
			})

			It("should open after reaching the failure threshold", func() {
				trip()
				Expect(b.State()).To(Equal(breaker.StateOpen))
			})
		})

		Context("when in OPEN state", func() {
			BeforeEach(trip)

			It("should refuse executions", func() {
				Expect(b.Allow()).To(BeFalse())
			})

			It("should move to HALF-OPEN after the reset timeout", func() {
				time.Sleep(150 * time.Millisecond)
				Expect(b.Allow()).To(BeTrue())
				Expect(b.State()).To(Equal(breaker.StateHalfOpen))
			})

			It("should stay OPEN before the reset timeout", func() {
				time.Sleep(50 * time.Millisecond)
				Expect(b.Allow()).To(BeFalse())
				Expect(b.State()).To(Equal(breaker.StateOpen))
			})
		})

		Context("when in HALF-OPEN state", func() {
			BeforeEach(func() {
				trip()
				time.Sleep(150 * time.Millisecond)
				Expect(b.Allow()).To(BeTrue())
			})

			It("should let only one probe through", func() {
				Expect(b.Allow()).To(BeFalse())
			})

			It("should close on success", func() {
				b.RecordSuccess()
				Expect(b.State()).To(Equal(breaker.StateClosed))
				Expect(b.Allow()).To(BeTrue())
			})

			It("should reopen on failure", func() {
				b.RecordFailure()
				Expect(b.State()).To(Equal(breaker.StateOpen))
				Expect(b.Allow()).To(BeFalse())
			})
		})
	})

	Describe("RecordSuccess", func() {
		It("should reset the failure count", func() {
			b = breaker.New(3, 100*time.Millisecond)
			b.RecordFailure()
			b.RecordFailure()
			b.RecordSuccess()
			b.RecordFailure()
			Expect(b.State()).To(Equal(breaker.StateClosed))
		})
	})

	Describe("State.String", func() {
		It("should render every state", func() {
			Expect(breaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(breaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(breaker.StateHalfOpen.String()).To(Equal("HALF-OPEN"))
			Expect(breaker.State(42).String()).To(Equal("UNKNOWN"))
		})
	})
})
