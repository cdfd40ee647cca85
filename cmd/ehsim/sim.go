// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"code.hybscloud.com/eh"
	"code.hybscloud.com/eh/fakedev"
	"code.hybscloud.com/eh/internal/config"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var errVerify = errors.New("ehsim: verification failed")

// request is the token carried by every compression request.
type request struct {
	id       xid.ID
	producer int
	seq      int
}

// stored is a page the engine kept in encoded form.
type stored struct {
	producer, seq int
	data          []byte
}

type report struct {
	Submitted int
	Rejected  int
	Statuses  map[eh.Status]int
	Verified  int
	Stats     eh.Stats
}

// sim collects completions of one run.
type sim struct {
	wg sync.WaitGroup

	mu         sync.Mutex
	last       []int
	outOfOrder int
	statuses   map[eh.Status]int
	kept       map[xid.ID]stored
	submitted  int
	rejected   int
}

// page returns the deterministic content of page seq of producer p: a mix
// of zero, incompressible and text pages.
func page(p, seq int) []byte {
	buf := make([]byte, eh.PageSize)
	switch (p*7 + seq) % 8 {
	case 0:
	case 1:
		r := rand.New(rand.NewPCG(uint64(p), uint64(seq)))
		for i := range buf {
			buf[i] = byte(r.Uint32())
		}
	default:
		line := fmt.Appendf(nil, "producer %d page %d\n", p, seq)
		for i := 0; i < len(buf); {
			i += copy(buf[i:], line)
		}
	}
	return buf
}

func (s *sim) complete(st eh.Status, data []byte, size uint32, req request) {
	s.mu.Lock()
	if req.seq <= s.last[req.producer] {
		s.outOfOrder++
	}
	s.last[req.producer] = req.seq
	s.statuses[st]++
	if st == eh.StatusCompressed || st == eh.StatusCopied {
		s.kept[req.id] = stored{producer: req.producer, seq: req.seq, data: bytes.Clone(data)}
	}
	s.mu.Unlock()
	s.wg.Done()
}

// simulate runs the workload described by cfg.
func simulate(ctx context.Context, cfg config.Config, log *logrus.Logger) (report, error) {
	dev := fakedev.New(fakedev.Config{Slots: cfg.Slots, Buffers: cfg.Buffers, Logger: log})
	defer dev.Close()
	if cfg.HaltAt >= 0 {
		dev.ForceStatus(uint64(cfg.HaltAt), eh.StatusErrorHalted)
	}

	e, err := eh.Attach[request](dev, cfg.Builder().Logger(log))
	if err != nil {
		return report{}, err
	}
	defer e.Close()

	s := &sim{
		last:     make([]int, cfg.Producers),
		statuses: make(map[eh.Status]int),
		kept:     make(map[xid.ID]stored),
	}
	for i := range s.last {
		s.last[i] = -1
	}
	e.Bind(s.complete)

	if err := s.produce(ctx, e, cfg); err != nil {
		return s.report(e), err
	}
	if err := s.drain(ctx); err != nil {
		return s.report(e), err
	}
	verified, err := s.verify(ctx, e)

	rep := s.report(e)
	rep.Verified = verified
	if err != nil {
		return rep, err
	}
	if s.outOfOrder > 0 {
		return rep, fmt.Errorf("%w: %d completions out of order", errVerify, s.outOfOrder)
	}
	log.WithFields(logrus.Fields{
		"submitted": rep.Submitted,
		"verified":  verified,
	}).Info("simulation complete")
	return rep, nil
}

// produce submits cfg.Pages pages split across cfg.Producers goroutines.
// Submissions refused by a halted ring are counted, not failed.
func (s *sim) produce(ctx context.Context, e *eh.Engine[request], cfg config.Config) error {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	lim := rate.NewLimiter(limit, 1)

	g, gctx := errgroup.WithContext(ctx)
	for p := range cfg.Producers {
		n := cfg.Pages / cfg.Producers
		if p < cfg.Pages%cfg.Producers {
			n++
		}
		g.Go(func() error {
			for seq := range n {
				if err := lim.Wait(gctx); err != nil {
					return err
				}
				req := request{id: xid.New(), producer: p, seq: seq}
				s.wg.Add(1)
				err := e.Compress(gctx, page(p, seq), req)
				s.mu.Lock()
				if err == nil {
					s.submitted++
				} else if errors.Is(err, eh.ErrHalted) {
					s.rejected++
				}
				s.mu.Unlock()
				if err != nil {
					s.wg.Done()
					if !errors.Is(err, eh.ErrHalted) {
						return err
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// drain waits for every accepted request to complete.
func (s *sim) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// verify decompresses every kept page on all decompression slots and
// compares it with the submitted page.
func (s *sim) verify(ctx context.Context, e *eh.Engine[request]) (int, error) {
	s.mu.Lock()
	work := make(chan stored, len(s.kept))
	for _, k := range s.kept {
		work <- k
	}
	s.mu.Unlock()
	close(work)

	var (
		mu       sync.Mutex
		verified int
	)
	g, gctx := errgroup.WithContext(ctx)
	for caller := range e.SlotCount() {
		g.Go(func() error {
			out := make([]byte, eh.PageSize)
			for k := range work {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := e.Decompress(caller, k.data, out); err != nil {
					return fmt.Errorf("producer %d page %d: %w", k.producer, k.seq, err)
				}
				if !bytes.Equal(out, page(k.producer, k.seq)) {
					return fmt.Errorf("%w: producer %d page %d differs", errVerify, k.producer, k.seq)
				}
				mu.Lock()
				verified++
				mu.Unlock()
			}
			return nil
		})
	}
	err := g.Wait()
	return verified, err
}

func (s *sim) report(e *eh.Engine[request]) report {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := make(map[eh.Status]int, len(s.statuses))
	for k, v := range s.statuses {
		st[k] = v
	}
	return report{
		Submitted: s.submitted,
		Rejected:  s.rejected,
		Statuses:  st,
		Stats:     e.Stats(),
	}
}
