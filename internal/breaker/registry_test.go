package breaker_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gogogo1024/spgate/internal/breaker"
)

var _ = Describe("Registry", func() {
	var registry *breaker.Registry

	BeforeEach(func() {
		registry = breaker.NewRegistry(2, 50*time.Millisecond)
	})

	It("should return the same breaker for the same handler", func() {
		Expect(registry.Get("ordersProxy")).To(BeIdenticalTo(registry.Get("ordersProxy")))
	})

	It("should return different breakers for different handlers", func() {
		Expect(registry.Get("ordersProxy")).NotTo(BeIdenticalTo(registry.Get("defaultProxy")))
	})

	It("should use the registry threshold", func() {
		b := registry.Get("ordersProxy")
		b.RecordFailure()
		b.RecordFailure()
		Expect(b.State()).To(Equal(breaker.StateOpen))
	})

	It("should report stats and reset", func() {
		registry.Get("a").RecordFailure()
		registry.Get("a").RecordFailure()
		registry.Get("b")

		Expect(registry.Stats()).To(Equal(map[string]breaker.State{
			"a": breaker.StateOpen,
			"b": breaker.StateClosed,
		}))

		registry.Reset()
		Expect(registry.Stats()).To(BeEmpty())
	})

	It("should notify state changes with the handler name", func() {
		var mu sync.Mutex
		var seen []string
		registry = breaker.NewRegistry(1, time.Second, breaker.OnStateChange(func(name string, from, to breaker.State) {
			mu.Lock()
			seen = append(seen, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		}))

		b := registry.Get("ordersProxy")
		b.RecordFailure()
		b.RecordSuccess()

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]string{
			"ordersProxy:CLOSED->OPEN",
			"ordersProxy:OPEN->CLOSED",
		}))
	})

	It("should be safe for concurrent use", func() {
		var wg sync.WaitGroup
		got := make([]*breaker.Breaker, 20)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got[i] = registry.Get("shared")
			}(i)
		}
		wg.Wait()
		for _, b := range got {
			Expect(b).To(BeIdenticalTo(got[0]))
		}
	})
})
