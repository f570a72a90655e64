package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&PoolTestSuite{})

type PoolTestSuite struct{}

func (s *PoolTestSuite) TestPool(c *C) {
	var jobCount int64

	p := NewPool(10)

	cc := make(chan func())
	go p.Work(cc)

	for i := 0; i < 10; i++ {
		cc <- func() { atomic.AddInt64(&jobCount, 1) }
	}

	close(cc)
	<-time.After(100 * time.Millisecond)
	p.Wait()

	c.Assert(atomic.LoadInt64(&jobCount), Equals, int64(10))
}

func (s *PoolTestSuite) TestTrySubmitWhenFull(c *C) {
	p := NewPool(1)
	release := make(chan struct{})

	c.Assert(p.TrySubmit(func() { <-release }), Equals, true)
	c.Assert(p.Busy(), Equals, 1)
	c.Assert(p.TrySubmit(func() {}), Equals, false)

	close(release)
	p.Wait()
	c.Assert(p.Busy(), Equals, 0)
	c.Assert(p.TrySubmit(func() {}), Equals, true)
	p.Wait()
}

func (s *PoolTestSuite) TestSubmitCanceled(c *C) {
	p := NewPool(1)
	release := make(chan struct{})
	c.Assert(p.TrySubmit(func() { <-release }), Equals, true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func() {})
	c.Assert(err, Equals, context.DeadlineExceeded)

	close(release)
	p.Wait()
}
