package simvar

import (
	"errors"
	"fmt"
	"time"
)

// SimNet simulates a network entirely in memory, on top
// of one Runtime. Hosts register under unique names;
// circuits connect host pairs; sends pick up a pseudo
// random hop latency and arrive via the timer queue, so
// delivery order is a pure function of the seed.
//
// Faults follow the card/switch split: FAULTY models a
// flaky network card (some sends dropped, some reads
// deaf, each with its own probability); ISOLATED models
// a dead switch port (no comms at all). A host's
// powerOff is independent of its Faultstate, so
// rebooting a host does not repair its network card.

var ErrCapacity = errors.New("simvar: circuit capacity exhausted")
var ErrHostDown = errors.New("simvar: host is powered off")
var ErrIsolated = errors.New("simvar: host is isolated")
var ErrUnknownHost = errors.New("simvar: unknown host")

// Faultstate is one of HEALTHY, FAULTY, ISOLATED, or
// FAULTY_ISOLATED.
type Faultstate int

const (
	HEALTHY  Faultstate = 0
	ISOLATED Faultstate = 1 // cruder than FAULTY. no comms with anyone else

	// some sends may drop, some reads may be deaf.
	FAULTY Faultstate = 2

	FAULTY_ISOLATED Faultstate = 3
)

func (f Faultstate) String() string {
	switch f {
	case HEALTHY:
		return "HEALTHY"
	case ISOLATED:
		return "ISOLATED"
	case FAULTY:
		return "FAULTY"
	case FAULTY_ISOLATED:
		return "FAULTY_ISOLATED"
	}
	return fmt.Sprintf("Faultstate(%d)", int(f))
}

// NetMsg is one simulated datagram.
type NetMsg struct {
	SN        int64
	From      string
	To        string
	Payload   []byte
	SentTm    time.Time
	ArrivalTm time.Time
}

type simhost struct {
	name     string
	state    Faultstate
	powerOff bool

	// card fault probabilities; meaningful when state
	// is FAULTY or FAULTY_ISOLATED.
	dropSendProb float64
	deafReadProb float64
}

func (h *simhost) faulty() bool {
	return h.state == FAULTY || h.state == FAULTY_ISOLATED
}

func (h *simhost) isolated() bool {
	return h.state == ISOLATED || h.state == FAULTY_ISOLATED
}

// SimConn is one directed circuit: the origin's handle
// for sending to (and reading replies from) the target.
type SimConn struct {
	net    *SimNet
	origin *simhost
	target *simhost

	// in-flight messages toward origin, already
	// delivered by the timer queue, waiting to be read.
	inbox   []*NetMsg
	readers []Waker

	// sends launched but not yet arrived.
	inflight int
	capacity int
}

// SimNet is the switch all circuits plug into.
type SimNet struct {
	rt  *Runtime
	cfg *SimConfig

	// both in deterministic maps: fault ticks and repair
	// sweeps walk the hosts in sorted-name order.
	dns   *omap[string, *simhost]
	conns *omap[string, *SimConn] // keyed by connKey(origin, target)

	msgSN int64

	// run counters, for the harness report.
	Sent         int64
	Delivered    int64
	DroppedSends int64
	DeafReads    int64

	digest *LatencyDigest
}

func NewSimNet(rt *Runtime, cfg *SimConfig) *SimNet {
	if cfg == nil {
		cfg = rt.cfg
	}
	return &SimNet{
		rt:     rt,
		cfg:    cfg,
		dns:    newOmap[string, *simhost](),
		conns:  newOmap[string, *SimConn](),
		digest: NewLatencyDigest(),
	}
}

func connKey(origin, target string) string {
	return origin + "\x00" + target
}

// Digest exposes the hop latency digest for reporting.
func (s *SimNet) Digest() *LatencyDigest { return s.digest }

// Host registers a new named host. Names are global and
// unique; a taken name is a modeling bug, so we panic.
func (s *SimNet) Host(name string) {
	if _, already := s.dns.get2(name); already {
		panic(fmt.Sprintf("host name already taken: '%v'", name))
	}
	s.dns.set(name, &simhost{name: name})
}

// Open returns origin's circuit to target, creating both
// directions on first use.
func (s *SimNet) Open(origin, target string) (*SimConn, error) {
	o, ok := s.dns.get2(origin)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHost, origin)
	}
	t, ok := s.dns.get2(target)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHost, target)
	}
	if c, ok := s.conns.get2(connKey(origin, target)); ok {
		return c, nil
	}
	mk := func(o, t *simhost) *SimConn {
		return &SimConn{
			net:      s,
			origin:   o,
			target:   t,
			capacity: s.cfg.TCPCapacity,
		}
	}
	fwd := mk(o, t)
	rev := mk(t, o)
	s.conns.set(connKey(origin, target), fwd)
	s.conns.set(connKey(target, origin), rev)
	return fwd, nil
}

// statewiseConnected: can a message pass between the two
// hosts at all, given isolation and power?
func (s *SimNet) statewiseConnected(a, b *simhost) error {
	if a.powerOff || b.powerOff {
		return ErrHostDown
	}
	if a.isolated() || b.isolated() {
		return ErrIsolated
	}
	return nil
}

// Send launches payload toward the target. The hop
// latency is drawn from the run RNG within the config
// bounds; a dropped send is invisible to the sender, as
// on a real network. ErrCapacity reports too many
// in-flight messages on this circuit.
func (c *SimConn) Send(payload []byte) Future[error] {
	sent := false
	return PollFunc[error](func(cx *Context) (error, bool) {
		if sent {
			panicf("future polled after completion")
		}
		sent = true
		s := c.net
		if err := s.statewiseConnected(c.origin, c.target); err != nil {
			return err, true
		}
		if c.inflight >= c.capacity {
			return ErrCapacity, true
		}
		s.msgSN++
		now := cx.Clock().Now()
		hop := s.rngHop()
		msg := &NetMsg{
			SN:        s.msgSN,
			From:      c.origin.name,
			To:        c.target.name,
			Payload:   payload,
			SentTm:    now,
			ArrivalTm: now.Add(hop),
		}
		s.Sent++

		// card fault on the sending side: message is
		// silently lost, the sender cannot tell.
		if c.origin.faulty() && s.rt.rng.Bool(c.origin.dropSendProb) {
			s.DroppedSends++
			return nil, true
		}

		reverse := s.conns.get(connKey(c.target.name, c.origin.name))
		c.inflight++
		s.rt.addTimerFn(msg.ArrivalTm, func(now time.Time) {
			c.inflight--
			s.deliver(reverse, msg, hop)
		})
		return nil, true
	})
}

// deliver runs off the timer queue when the message
// arrives at the target side.
func (s *SimNet) deliver(at *SimConn, msg *NetMsg, hop time.Duration) {
	// power or isolation changed mid-flight: the
	// message just disappears.
	if err := s.statewiseConnected(at.origin, at.target); err != nil {
		s.DroppedSends++
		return
	}
	// deaf read on the receiving card.
	if at.origin.faulty() && s.rt.rng.Bool(at.origin.deafReadProb) {
		s.DeafReads++
		return
	}
	s.Delivered++
	s.digest.Add(hop)
	at.inbox = append(at.inbox, msg)
	wakeWaiters(&at.readers)
}

func (s *SimNet) rngHop() time.Duration {
	return s.rt.rng.RangeDist(
		s.cfg.MinMessageLatency, s.cfg.MaxMessageLatency, s.cfg.LatencySkew)
}

// Recv resolves with the next message that arrived from
// the circuit's target. ErrHostDown resolves immediately
// if the reading host is powered off.
func (c *SimConn) Recv() Future[Result[*NetMsg]] {
	return PollFunc[Result[*NetMsg]](func(cx *Context) (Result[*NetMsg], bool) {
		if c.origin.powerOff {
			return Errv[*NetMsg](ErrHostDown), true
		}
		if len(c.inbox) > 0 {
			msg := c.inbox[0]
			c.inbox = c.inbox[1:]
			return Ok(msg), true
		}
		c.readers = addWaiter(c.readers, cx.Waker)
		return Result[*NetMsg]{}, false
	})
}

//=========================================
// fault injection and repair
//=========================================

// FaultHost gives name's network card the given drop and
// deaf probabilities, marking it FAULTY (or
// FAULTY_ISOLATED when already isolated).
func (s *SimNet) FaultHost(name string, dropSendProb, deafReadProb float64) error {
	h, ok := s.dns.get2(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	h.dropSendProb = dropSendProb
	h.deafReadProb = deafReadProb
	switch h.state {
	case HEALTHY, FAULTY:
		h.state = FAULTY
	case ISOLATED, FAULTY_ISOLATED:
		h.state = FAULTY_ISOLATED
	}
	return nil
}

// IsolateHost cuts name off from everyone, as a dead
// switch port would.
func (s *SimNet) IsolateHost(name string) error {
	h, ok := s.dns.get2(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	switch h.state {
	case HEALTHY, ISOLATED:
		h.state = ISOLATED
	case FAULTY, FAULTY_ISOLATED:
		h.state = FAULTY_ISOLATED
	}
	return nil
}

// RepairHost undoes card faults; unIsolate also undoes
// isolation. Repairing does not power a host back on.
func (s *SimNet) RepairHost(name string, unIsolate bool) error {
	h, ok := s.dns.get2(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	h.dropSendProb = 0
	h.deafReadProb = 0
	switch h.state {
	case FAULTY:
		h.state = HEALTHY
	case FAULTY_ISOLATED:
		h.state = ISOLATED
	}
	if unIsolate && h.state == ISOLATED {
		h.state = HEALTHY
	}
	return nil
}

// AllHealthy repairs and un-isolates every host.
func (s *SimNet) AllHealthy() {
	for name := range s.dns.all() {
		s.RepairHost(name, true)
	}
}

// PowerOff and PowerOn model host reboot. Card and
// switch faults survive power cycling.
func (s *SimNet) PowerOff(name string) error {
	h, ok := s.dns.get2(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	h.powerOff = true
	return nil
}

func (s *SimNet) PowerOn(name string) error {
	h, ok := s.dns.get2(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	h.powerOff = false
	return nil
}

// HostState reports a host's current Faultstate.
func (s *SimNet) HostState(name string) (Faultstate, error) {
	h, ok := s.dns.get2(name)
	if !ok {
		return HEALTHY, fmt.Errorf("%w: %q", ErrUnknownHost, name)
	}
	return h.state, nil
}

// faultTick flips host health once, using the config's
// fail and repair rates. Healthy hosts fail with
// FailRate (drawing fresh card probabilities); faulty
// ones recover with RepairRate.
func (s *SimNet) faultTick() {
	// the omap walks hosts in sorted-name order, so the
	// RNG draws line up identically on every replay.
	for _, h := range s.dns.all() {
		if h.state == HEALTHY {
			if s.rt.rng.Bool(s.cfg.FailRate) {
				h.dropSendProb = s.rt.rng.Float64()
				h.deafReadProb = s.rt.rng.Float64()
				h.state = FAULTY
			}
		} else if h.state == FAULTY {
			if s.rt.rng.Bool(s.cfg.RepairRate) {
				h.dropSendProb = 0
				h.deafReadProb = 0
				h.state = HEALTHY
			}
		}
	}
}

// FaultTicker is a spawnable future that applies
// faultTick every TickDuration until the token is
// cancelled. The harness spawns one when fail or repair
// rates are nonzero.
func (s *SimNet) FaultTicker(token *CancelToken) Future[struct{}] {
	var gate Future[time.Time]
	return PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
		for {
			if token.Cancelled() {
				return struct{}{}, true
			}
			if gate == nil {
				gate = Sleep(s.cfg.TickDuration)
			}
			if _, ok := gate.Poll(cx); !ok {
				// also wake on cancellation.
				if token.Cancelled() {
					return struct{}{}, true
				}
				token.waiters = addWaiter(token.waiters, cx.Waker)
				return struct{}{}, false
			}
			gate = nil
			s.faultTick()
		}
	})
}
