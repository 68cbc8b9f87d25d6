// Copyright 2026 The Kestrel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hart simulates the harts (hardware threads) of a machine.
//
// Each Hart has a satp register, a translation cache tagged by asid and a
// mailbox served by its own goroutine. Remote fences are delivered through
// the mailboxes and a fence returns only after every hart has invalidated
// the requested range, which is the ordering guarantee an SBI remote
// sfence.vma gives.
package hart

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"kestrel.dev/kestrel/pkg/addr"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/pagetables"
)

// ErrStopped is returned when a fence is sent to a stopped machine.
var ErrStopped = errors.New("hart stopped")

// DefaultMailboxSize is the default number of queued fence requests per
// hart.
const DefaultMailboxSize = 4

// Entry is a cached translation.
type Entry struct {
	// Frame is the physical address of the page.
	Frame addr.Physical

	// Flags are the flags of the leaf entry.
	Flags pagetables.EntryFlags
}

type tlbKey struct {
	asid uint16
	page addr.Virtual
}

// fenceRequest asks a hart to invalidate cached translations.
type fenceRequest struct {
	asid uint16
	r    addr.VirtualRange
	all  bool
	done chan struct{}
}

// Hart is one simulated hardware thread.
type Hart struct {
	id int

	// satp is the table base register.
	satp atomic.Uint64

	// sum is the sstatus.SUM bit: supervisor accesses to user pages are
	// permitted while it is set.
	sum atomic.Bool

	// mu protects tlb.
	mu  sync.Mutex
	tlb map[tlbKey]Entry

	mailbox chan fenceRequest

	// fences counts requests served.
	fences atomic.Uint64
}

// ID returns the hart's index.
func (h *Hart) ID() int {
	return h.id
}

// SATP implements pagetables.TableRegister.SATP.
func (h *Hart) SATP() uint64 {
	return h.satp.Load()
}

// SetSATP implements pagetables.TableRegister.SetSATP. Cached translations
// are tagged by asid so switching tables does not invalidate them.
func (h *Hart) SetSATP(v uint64) {
	h.satp.Store(v)
}

// ASID returns the asid selected by satp.
func (h *Hart) ASID() uint16 {
	_, asid, _ := pagetables.DecodeSATP(h.SATP())
	return asid
}

// Root returns the root table selected by satp.
func (h *Hart) Root() addr.Physical {
	_, _, root := pagetables.DecodeSATP(h.SATP())
	return root
}

// SUM reports whether supervisor access to user pages is enabled.
func (h *Hart) SUM() bool {
	return h.sum.Load()
}

// WithUserAccess runs fn with SUM set and restores the previous value.
// fn may panic (see package trap); the bit is restored regardless.
func (h *Hart) WithUserAccess(fn func()) {
	prev := h.sum.Swap(true)
	defer h.sum.Store(prev)
	fn()
}

// LookupTLB returns the cached translation of the page containing va for
// the active asid.
func (h *Hart) LookupTLB(va addr.Virtual) (Entry, bool) {
	key := tlbKey{asid: h.ASID(), page: va.PageRoundDown()}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.tlb[key]
	return e, ok
}

// FillTLB caches the translation of the page containing va for the active
// asid.
func (h *Hart) FillTLB(va addr.Virtual, e Entry) {
	key := tlbKey{asid: h.ASID(), page: va.PageRoundDown()}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tlb[key] = e
}

// TLBSize returns the number of cached translations.
func (h *Hart) TLBSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tlb)
}

// FencesServed returns the number of fence requests this hart handled.
func (h *Hart) FencesServed() uint64 {
	return h.fences.Load()
}

func (h *Hart) invalidate(req fenceRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req.all {
		clear(h.tlb)
		return
	}
	for k := range h.tlb {
		if k.asid == req.asid && req.r.Contains(k.page) {
			delete(h.tlb, k)
		}
	}
}

// serve handles fence requests until stop is closed.
func (h *Hart) serve(stop <-chan struct{}) {
	for {
		select {
		case req := <-h.mailbox:
			h.invalidate(req)
			h.fences.Add(1)
			close(req.done)
		case <-stop:
			return
		}
	}
}

// Opts configures a Machine.
type Opts struct {
	// Harts is the number of harts.
	Harts int

	// MailboxSize is the capacity of each hart's fence mailbox.
	MailboxSize int

	// DeliveryTimeout bounds how long a sender retries a full mailbox.
	DeliveryTimeout time.Duration
}

// Machine is a set of harts sharing physical memory.
type Machine struct {
	harts   []*Hart
	opts    Opts
	stop    chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup

	// fences counts RemoteFence and FenceAll calls.
	fences atomic.Uint64
}

// NewMachine starts opts.Harts harts.
func NewMachine(opts Opts) (*Machine, error) {
	if opts.Harts <= 0 {
		return nil, fmt.Errorf("invalid hart count %d", opts.Harts)
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	m := &Machine{
		opts: opts,
		stop: make(chan struct{}),
	}
	for i := 0; i < opts.Harts; i++ {
		h := &Hart{
			id:      i,
			tlb:     make(map[tlbKey]Entry),
			mailbox: make(chan fenceRequest, opts.MailboxSize),
		}
		m.harts = append(m.harts, h)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			h.serve(m.stop)
		}()
	}
	log.Infof("Started %d harts", opts.Harts)
	return m, nil
}

// Stop stops all harts. Pending and later fences fail with ErrStopped.
func (m *Machine) Stop() {
	if m.stopped.Swap(true) {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

// Harts returns all harts.
func (m *Machine) Harts() []*Hart {
	return m.harts
}

// Hart returns hart id.
func (m *Machine) Hart(id int) *Hart {
	return m.harts[id]
}

// Fences returns the number of fences issued on this machine.
func (m *Machine) Fences() uint64 {
	return m.fences.Load()
}

// RemoteFence implements tlb.Fencer.RemoteFence.
func (m *Machine) RemoteFence(asid uint16, r addr.VirtualRange) error {
	m.fences.Add(1)
	return m.broadcast(fenceRequest{asid: asid, r: r})
}

// FenceAll implements tlb.Fencer.FenceAll.
func (m *Machine) FenceAll() error {
	m.fences.Add(1)
	return m.broadcast(fenceRequest{all: true})
}

// broadcast delivers req to every hart and waits for all of them to
// acknowledge.
func (m *Machine) broadcast(req fenceRequest) error {
	var g errgroup.Group
	for _, h := range m.harts {
		g.Go(func() error {
			r := req
			r.done = make(chan struct{})
			if err := m.deliver(h, r); err != nil {
				return fmt.Errorf("hart %d: %w", h.id, err)
			}
			select {
			case <-r.done:
				return nil
			case <-m.stop:
				return fmt.Errorf("hart %d: %w", h.id, ErrStopped)
			}
		})
	}
	return g.Wait()
}

// deliver places req in h's mailbox, backing off while it is full.
func (m *Machine) deliver(h *Hart, req fenceRequest) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = m.opts.DeliveryTimeout

	op := func() error {
		if m.stopped.Load() {
			return backoff.Permanent(ErrStopped)
		}
		select {
		case h.mailbox <- req:
			return nil
		default:
			return fmt.Errorf("mailbox full")
		}
	}
	return backoff.Retry(op, b)
}
