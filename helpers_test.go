// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package eh_test

//go:generate mockgen -destination mock_device_test.go -package $GOPACKAGE -write_package_comment=false code.hybscloud.com/eh Device

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"code.hybscloud.com/eh"
	"code.hybscloud.com/eh/fakedev"
	"github.com/sirupsen/logrus"
)

// waitTimeout bounds every wait on the reaper in tests.
const waitTimeout = 5 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// result is one delivered completion.
type result struct {
	Status eh.Status
	Data   []byte
	Token  string
}

// collector records completions in delivery order.
type collector struct {
	mu   sync.Mutex
	got  []result
	tick chan struct{}
}

func newCollector() *collector {
	return &collector{tick: make(chan struct{}, 1<<16)}
}

func (c *collector) complete(st eh.Status, data []byte, size uint32, token string) {
	c.mu.Lock()
	c.got = append(c.got, result{Status: st, Data: bytes.Clone(data), Token: token})
	c.mu.Unlock()
	c.tick <- struct{}{}
}

// wait blocks until n completions in total have been delivered.
func (c *collector) wait(t *testing.T, n int) []result {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		c.mu.Lock()
		if len(c.got) >= n {
			out := append([]result(nil), c.got...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.tick:
		case <-deadline:
			t.Fatalf("timed out waiting for %d completions, got %d", n, c.count())
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *collector) tokens() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, r := range c.got {
		out[i] = r.Token
	}
	return out
}

// attach creates a fake device and an engine bound to a fresh collector.
// Both are closed when the test ends.
func attach(t *testing.T, cfg fakedev.Config, b *eh.Builder) (*eh.Engine[string], *fakedev.Device, *collector) {
	t.Helper()
	cfg.Logger = quietLogger()
	dev := fakedev.New(cfg)
	e, err := eh.Attach[string](dev, b.Logger(quietLogger()))
	if err != nil {
		dev.Close()
		t.Fatalf("Attach: %v", err)
	}
	c := newCollector()
	e.Bind(c.complete)
	t.Cleanup(func() {
		e.Close()
		dev.Close()
	})
	return e, dev, c
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func zeroPage() []byte {
	return make([]byte, eh.PageSize)
}

// textPage returns a compressible page unique to i.
func textPage(i int) []byte {
	p := make([]byte, 0, eh.PageSize)
	line := fmt.Appendf(nil, "page %06d: the quick brown fox jumps over the lazy dog\n", i)
	for len(p) < eh.PageSize {
		p = append(p, line...)
	}
	return p[:eh.PageSize]
}

// randomPage returns an incompressible page.
func randomPage(seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := make([]byte, eh.PageSize)
	for i := 0; i < len(p); i += 8 {
		v := r.Uint64()
		for j := range 8 {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return p
}
