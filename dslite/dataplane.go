// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dslite implements the dataplane of a DS-Lite gateway: the AFTR
// side, which terminates softwire tunnels from B4 elements and NATs their
// IPv4 traffic onto a public address pool, and the CE side, which frames a
// host's IPv4 traffic into the softwire.
package dslite

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/softwireproto/dslite/pkg/log"
	"github.com/softwireproto/dslite/pkg/private/serrors"
	"github.com/softwireproto/dslite/pkg/private/util"
)

// Mode selects which end of the softwire this gateway implements.
type Mode int

const (
	ModeAFTR Mode = iota
	ModeCE
)

func (m Mode) String() string {
	switch m {
	case ModeAFTR:
		return "aftr"
	case ModeCE:
		return "ce"
	default:
		return "unknown"
	}
}

// ParseMode parses "aftr" or "ce".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "aftr":
		return ModeAFTR, nil
	case "ce":
		return ModeCE, nil
	default:
		return 0, serrors.New("unsupported mode", "mode", s)
	}
}

// Device is a packet device the dataplane reads whole packets from and
// writes whole packets to. Reads and writes must be atomic per packet, which
// TUN devices guarantee. Writes may be issued concurrently from multiple
// worker goroutines.
type Device = io.ReadWriteCloser

const (
	// maxPacketSize bounds the inner packet. Room for the softwire header
	// is reserved separately as headroom.
	maxPacketSize = 9216
	headroom      = ip6HdrLen

	// poolSize is the number of preallocated packet buffers shared by the
	// receivers and workers.
	poolSize = 1024
	// queueSize is the depth of each worker's inbound queue.
	queueSize = 256
)

// Packet is one packet in flight, backed by a fixed buffer with headroom in
// front so that softwire encapsulation never copies or allocates.
type Packet struct {
	buf        [headroom + maxPacketSize]byte
	off, n     int
	fromTunnel bool
}

func (p *Packet) bytes() []byte { return p.buf[p.off : p.off+p.n] }

func (p *Packet) reset() {
	p.off = headroom
	p.n = 0
}

// prepend grows the packet at the front into the headroom.
func (p *Packet) prepend(k int) {
	p.off -= k
	p.n += k
}

// strip drops k bytes from the front of the packet.
func (p *Packet) strip(k int) {
	p.off += k
	p.n -= k
}

var (
	alreadySet     = errors.New("already set")
	emptyValue     = errors.New("empty value")
	modifyExisting = errors.New("modifying a running dataplane is not allowed")
)

// DataPlane is the DS-Lite gateway engine. It is configured with the Set and
// Add methods before Run is called; configuration of a running dataplane is
// rejected, except for pool changes, which are applied live.
type DataPlane struct {
	mtx     sync.Mutex
	running atomic.Bool

	mode       Mode
	tunnel     Device
	wire       Device
	aftr6      netip.Addr
	b46        netip.Addr
	fib        uint16
	numWorkers int
	shardCfg   ShardConfig

	idleTimeout   time.Duration
	sweepInterval time.Duration

	alloc      *PoolAllocator
	workers    []*worker
	packetPool chan *Packet
	logger     log.Logger
	stop       context.CancelFunc
}

// NewDataPlane returns an unconfigured dataplane logging to logger.
func NewDataPlane(logger log.Logger) *DataPlane {
	if logger == nil {
		logger = log.Root()
	}
	return &DataPlane{
		alloc:         NewPoolAllocator(),
		numWorkers:    1,
		idleTimeout:   10 * time.Minute,
		sweepInterval: 10 * time.Second,
		logger:        logger,
	}
}

func (d *DataPlane) isRunning() bool {
	return d.running.Load()
}

// SetMode sets the gateway mode. This can only be called on a not yet
// running dataplane.
func (d *DataPlane) SetMode(m Mode) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	d.mode = m
	return nil
}

// SetTunnelDevice sets the device facing the softwire tunnels. This can only
// be called once, on a not yet running dataplane.
func (d *DataPlane) SetTunnelDevice(dev Device) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if dev == nil {
		return emptyValue
	}
	if d.tunnel != nil {
		return alreadySet
	}
	d.tunnel = dev
	return nil
}

// SetWireDevice sets the internet-facing device. This can only be called
// once, on a not yet running dataplane.
func (d *DataPlane) SetWireDevice(dev Device) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if dev == nil {
		return emptyValue
	}
	if d.wire != nil {
		return alreadySet
	}
	d.wire = dev
	return nil
}

// SetAFTRAddress sets the AFTR's IPv6 tunnel endpoint address. Tunnel
// packets not addressed to it are dropped. This can only be called once, on
// a not yet running dataplane.
func (d *DataPlane) SetAFTRAddress(addr netip.Addr) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if !addr.Is6() || addr.Is4In6() {
		return serrors.Join(emptyValue, nil, "addr", addr)
	}
	if d.aftr6.IsValid() {
		return alreadySet
	}
	d.aftr6 = addr
	return nil
}

// SetB4Address sets the local softwire address for CE mode. This can only be
// called once, on a not yet running dataplane.
func (d *DataPlane) SetB4Address(addr netip.Addr) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if !addr.Is6() || addr.Is4In6() {
		return serrors.Join(emptyValue, nil, "addr", addr)
	}
	if d.b46.IsValid() {
		return alreadySet
	}
	d.b46 = addr
	return nil
}

// SetFIB sets the FIB index that scopes all translations of this gateway.
// This can only be called on a not yet running dataplane.
func (d *DataPlane) SetFIB(fib uint16) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if fib > MaxFIBIndex {
		return serrors.New("fib index out of range", "fib", fib, "max", MaxFIBIndex)
	}
	d.fib = fib
	return nil
}

// SetWorkers sets the number of worker shards. This can only be called on a
// not yet running dataplane.
func (d *DataPlane) SetWorkers(n int) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if n < 1 {
		return emptyValue
	}
	d.numWorkers = n
	return nil
}

// SetShardConfig bounds the per-worker session and B4 tables. This can only
// be called on a not yet running dataplane.
func (d *DataPlane) SetShardConfig(cfg ShardConfig) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	d.shardCfg = cfg
	return nil
}

// SetTimeouts sets the session idle timeout and the sweep interval. This can
// only be called on a not yet running dataplane.
func (d *DataPlane) SetTimeouts(idle, sweep time.Duration) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.isRunning() {
		return modifyExisting
	}
	if idle <= 0 || sweep <= 0 {
		return emptyValue
	}
	d.idleTimeout = idle
	d.sweepInterval = sweep
	return nil
}

// AddPoolAddress adds a public address to the translation pool of the given
// FIB. Allowed on a running dataplane; new sessions pick it up immediately.
func (d *DataPlane) AddPoolAddress(fib uint16, addr netip.Addr) error {
	return d.alloc.AddAddress(fib, addr)
}

// AddPoolPrefix adds all addresses of a public prefix to the translation
// pool of the given FIB.
func (d *DataPlane) AddPoolPrefix(fib uint16, prefix netip.Prefix) error {
	return d.alloc.AddPrefix(fib, prefix)
}

// RemovePoolAddress removes an address from the pool. The address leaves the
// allocator before the sessions using it are flushed, so a concurrent slow
// path cannot hand it out again; no session outlives its public address.
func (d *DataPlane) RemovePoolAddress(fib uint16, addr netip.Addr) error {
	if err := d.alloc.RemoveAddress(fib, addr); err != nil {
		return err
	}
	if d.isRunning() {
		flushed := 0
		d.forEachShard(func(s *Shard) {
			flushed += s.flushAddress(addr)
		})
		if flushed > 0 {
			d.logger.Info("flushed sessions for removed pool address",
				"addr", addr, "sessions", flushed)
		}
	}
	return nil
}

// worker owns one shard and processes its share of the traffic. Everything
// behind the queue runs on a single goroutine. stopped is closed when the
// goroutine has exited and the shard is frozen.
type worker struct {
	id      int
	queue   chan *Packet
	req     chan shardRequest
	stopped chan struct{}
	shard   *Shard
	handler handler
	d       *DataPlane
}

// shardRequest runs a function on the worker goroutine with exclusive access
// to its shard. done is closed when the function has run.
type shardRequest struct {
	fn   func(*Shard)
	done chan struct{}
}

func (d *DataPlane) checkConfig() error {
	if d.tunnel == nil || d.wire == nil {
		return serrors.New("tunnel and wire devices must be set")
	}
	switch d.mode {
	case ModeAFTR:
		if !d.aftr6.IsValid() {
			return serrors.New("aftr address must be set")
		}
	case ModeCE:
		if !d.aftr6.IsValid() || !d.b46.IsValid() {
			return serrors.New("aftr and b4 addresses must be set")
		}
	}
	return nil
}

// Run starts the dataplane and blocks until ctx is canceled or a device
// fails hard. The devices are closed on the way out, which unblocks the
// receiver goroutines.
func (d *DataPlane) Run(ctx context.Context) error {
	d.mtx.Lock()
	if d.isRunning() {
		d.mtx.Unlock()
		return alreadySet
	}
	if err := d.checkConfig(); err != nil {
		d.mtx.Unlock()
		return err
	}

	// More buffers than can ever be in flight, so a receiver never blocks
	// on the pool while holding the shutdown path hostage. Worst case each
	// worker has a full queue plus one packet in process, and each receiver
	// holds one.
	nbuf := poolSize
	if floor := d.numWorkers*(queueSize+1) + 2; floor > nbuf {
		nbuf = floor
	}
	d.packetPool = make(chan *Packet, nbuf)
	for i := 0; i < nbuf; i++ {
		d.packetPool <- &Packet{}
	}
	d.workers = make([]*worker, d.numWorkers)
	for i := range d.workers {
		w := &worker{
			id:      i,
			queue:   make(chan *Packet, queueSize),
			req:     make(chan shardRequest),
			stopped: make(chan struct{}),
			d:       d,
		}
		wm := newWorkerMetrics(theMetrics)
		wlog := d.logger.New("worker", i)
		switch d.mode {
		case ModeAFTR:
			w.shard = newShard(i, d.shardCfg, d.alloc,
				SplitPortRange(i, d.numWorkers), theMetrics)
			w.handler = &aftrHandler{
				shard: w.shard,
				wm:    &wm,
				aftr6: d.aftr6,
				fib:   d.fib,
				log:   wlog,
			}
		case ModeCE:
			w.handler = &ceHandler{
				wm:    &wm,
				aftr6: d.aftr6,
				b46:   d.b46,
				log:   wlog,
			}
		}
		d.workers[i] = w
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.stop = cancel
	d.running.Store(true)
	d.mtx.Unlock()

	d.logger.Info("dataplane starting", "mode", d.mode.String(),
		"workers", d.numWorkers)
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run(runCtx)
		}(w)
	}

	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- d.receive(d.tunnel, true)
	}()
	go func() {
		defer wg.Done()
		errs <- d.receive(d.wire, false)
	}()

	var err error
	select {
	case <-runCtx.Done():
	case err = <-errs:
		cancel()
	}
	// Closing the devices unblocks the receivers.
	d.tunnel.Close()
	d.wire.Close()
	wg.Wait()
	d.running.Store(false)
	d.logger.Info("dataplane stopped")
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// receive reads packets off one device and dispatches them to the owning
// worker. A full worker queue drops the packet; backpressuring a TUN device
// only moves the drop into the kernel.
func (d *DataPlane) receive(dev Device, fromTunnel bool) error {
	for {
		p := <-d.packetPool
		p.reset()
		p.fromTunnel = fromTunnel
		n, err := dev.Read(p.buf[headroom:])
		if err != nil {
			d.packetPool <- p
			return err
		}
		p.n = n
		w := d.workers[d.shardOf(p)]
		select {
		case w.queue <- p:
		default:
			theMetrics.DroppedPacketsTotal.
				WithLabelValues(dropResourceExhausted.String()).Inc()
			d.packetPool <- p
		}
	}
}

// shardOf classifies a packet to its worker. Tunnel packets shard by the
// B4's softwire address, wire packets by the public destination port, so
// both directions of a flow land on the same shard.
func (d *DataPlane) shardOf(p *Packet) int {
	pkt := p.bytes()
	if p.fromTunnel {
		if len(pkt) < ip6HdrLen {
			return 0
		}
		return shardOfTunnel(pkt, d.numWorkers)
	}
	if len(pkt) < ip4MinHdrLen {
		return 0
	}
	return shardOfWire(pkt, d.numWorkers)
}

func (w *worker) run(ctx context.Context) {
	defer close(w.stopped)
	sweep := time.NewTicker(w.d.sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			w.process(p, time.Now())
			w.d.packetPool <- p
		case now := <-sweep.C:
			if w.shard != nil {
				w.shard.sweepExpired(now, w.d.idleTimeout)
			}
		case req := <-w.req:
			if w.shard != nil {
				req.fn(w.shard)
			}
			close(req.done)
		}
	}
}

func (w *worker) process(p *Packet, now time.Time) {
	var fwd bool
	var out Device
	if p.fromTunnel {
		fwd = w.handler.handleTunnel(p, now)
		out = w.d.wire
	} else {
		fwd = w.handler.handleWire(p, now)
		out = w.d.tunnel
	}
	if !fwd {
		return
	}
	if _, err := out.Write(p.bytes()); err != nil {
		if w.d.logger.Enabled(log.DebugLevel) {
			w.d.logger.Debug("device write failed", "err", err)
		}
	}
}

// forEachShard runs fn on every shard, one after the other, with exclusive
// access. On a running dataplane fn is handed to the worker goroutine; once
// the worker has exited its shard is frozen and fn runs directly. The select
// keeps callers from hanging when they race with shutdown: workers stop on
// context cancelation before Run flips the running flag.
func (d *DataPlane) forEachShard(fn func(*Shard)) {
	for _, w := range d.workers {
		if w.shard == nil {
			continue
		}
		if !d.isRunning() {
			fn(w.shard)
			continue
		}
		req := shardRequest{fn: fn, done: make(chan struct{})}
		select {
		case w.req <- req:
			<-req.done
		case <-w.stopped:
			fn(w.shard)
		}
	}
}

// Sessions returns a snapshot of all live sessions across all shards. Safe
// to call while traffic is flowing; each shard is snapshotted on its own
// worker goroutine.
func (d *DataPlane) Sessions() []SessionInfo {
	var infos []SessionInfo
	d.forEachShard(func(s *Shard) {
		infos = append(infos, s.snapshotSessions()...)
	})
	return infos
}

// B4s returns a snapshot of all known B4 endpoints across all shards.
func (d *DataPlane) B4s() []B4Info {
	var infos []B4Info
	d.forEachShard(func(s *Shard) {
		infos = append(infos, s.snapshotB4s()...)
	})
	return infos
}

// Info summarizes the running dataplane for diagnostics.
type Info struct {
	Mode        string       `json:"mode"`
	Workers     int          `json:"workers"`
	Sessions    int          `json:"sessions"`
	B4s         int          `json:"b4s"`
	IdleTimeout util.DurWrap `json:"idle_timeout"`
}

// Info returns a summary of the dataplane state.
func (d *DataPlane) Info() Info {
	info := Info{
		Mode:        d.mode.String(),
		Workers:     d.numWorkers,
		IdleTimeout: util.DurWrap{Duration: d.idleTimeout},
	}
	d.forEachShard(func(s *Shard) {
		info.Sessions += s.numSessions()
		info.B4s += s.numB4s()
	})
	return info
}

// Shutdown stops a running dataplane. Run returns once all workers and
// receivers have drained. Calling Shutdown on a dataplane that is not
// running is a no-op.
func (d *DataPlane) Shutdown() {
	d.mtx.Lock()
	stop := d.stop
	d.mtx.Unlock()
	if stop != nil {
		stop()
	}
}

// FlushSessions destroys every session on every shard. Used when the
// gateway is being disabled without stopping the process.
func (d *DataPlane) FlushSessions() int {
	flushed := 0
	d.forEachShard(func(s *Shard) {
		flushed += s.flushAll()
	})
	return flushed
}
