package simvar

import (
	"errors"
	"fmt"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func netPair(seed uint64) (*Runtime, *SimNet, *SimConn, *SimConn) {
	cfg := NewSimConfig().WithSeed(seed).
		WithMessageLatency(time.Millisecond, 20*time.Millisecond).
		WithLatencySkew(2)
	rt := NewRuntime(cfg)
	net := NewSimNet(rt, cfg)
	net.Host("alice")
	net.Host("bob")
	ab, err := net.Open("alice", "bob")
	panicOn(err)
	ba, err := net.Open("bob", "alice")
	panicOn(err)
	return rt, net, ab, ba
}

func Test700_net_roundtrip(t *testing.T) {

	cv.Convey("a message from alice arrives at bob after a seeded hop latency within the configured bounds, and bob's reply comes back the same way", t, func() {

		rt, net, ab, ba := netPair(42)

		SpawnNamed(rt, "bob", Then(ba.Recv(), func(r Result[*NetMsg]) Future[error] {
			panicOn(r.Err)
			return ba.Send([]byte("pong:" + string(r.Val.Payload)))
		}))

		reply := BlockOn(rt, Then(ab.Send([]byte("ping")), func(err error) Future[Result[*NetMsg]] {
			panicOn(err)
			return ab.Recv()
		}))
		panicOn(rt.Wait())

		cv.So(reply.Err, cv.ShouldBeNil)
		cv.So(string(reply.Val.Payload), cv.ShouldEqual, "pong:ping")
		cv.So(net.Sent, cv.ShouldEqual, 2)
		cv.So(net.Delivered, cv.ShouldEqual, 2)

		elap := rt.Clock().SimElapsed()
		cv.So(elap, cv.ShouldBeGreaterThanOrEqualTo, 2*time.Millisecond)
		cv.So(elap, cv.ShouldBeLessThanOrEqualTo, 40*time.Millisecond)
	})
}

func Test701_net_delivery_deterministic(t *testing.T) {
	// same seed, same arrival times, run twice.
	arrivals := func() (times []time.Duration) {
		rt, _, ab, ba := netPair(7)
		for i := 0; i < 5; i++ {
			SpawnNamed(rt, fmt.Sprintf("send%v", i), ab.Send([]byte{byte(i)}))
		}
		SpawnNamed(rt, "reader", PollFunc[struct{}](func(cx *Context) (struct{}, bool) {
			for len(times) < 5 {
				r, ok := ba.Recv().Poll(cx)
				if !ok {
					return struct{}{}, false
				}
				panicOn(r.Err)
				times = append(times, cx.Clock().SimElapsed())
			}
			return struct{}{}, true
		}))
		panicOn(rt.Wait())
		return
	}
	a := arrivals()
	b := arrivals()
	if len(a) != 5 || len(b) != 5 {
		t.Fatalf("want 5 arrivals, got %v and %v", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("arrival %v differs across identical seeds: %v vs %v", i, a[i], b[i])
		}
	}
}

func Test702_unknown_host_and_dup_name(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	net := NewSimNet(rt, nil)
	net.Host("only")
	if _, err := net.Open("only", "nobody"); !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("want ErrUnknownHost, but got %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate host name should panic")
		}
	}()
	net.Host("only")
}

func Test703_isolation_and_power(t *testing.T) {
	rt, net, ab, _ := netPair(3)

	panicOn(net.IsolateHost("bob"))
	err := BlockOn(rt, ab.Send([]byte("x")))
	if !errors.Is(err, ErrIsolated) {
		t.Fatalf("want ErrIsolated, but got %v", err)
	}

	// power trumps isolation in the error report.
	panicOn(net.PowerOff("bob"))
	err = BlockOn(rt, ab.Send([]byte("x")))
	if !errors.Is(err, ErrHostDown) {
		t.Fatalf("want ErrHostDown, but got %v", err)
	}

	// power cycling does not clear the switch fault.
	panicOn(net.PowerOn("bob"))
	st, err2 := net.HostState("bob")
	panicOn(err2)
	if st != ISOLATED {
		t.Fatalf("want ISOLATED after power cycle, but got %v", st)
	}

	panicOn(net.RepairHost("bob", true))
	st, _ = net.HostState("bob")
	if st != HEALTHY {
		t.Fatalf("want HEALTHY, but got %v", st)
	}
	if err := BlockOn(rt, ab.Send([]byte("x"))); err != nil {
		t.Fatalf("send after repair: %v", err)
	}
}

func Test704_fault_state_lattice(t *testing.T) {
	rt := NewRuntime(NewSimConfig().WithSeed(1))
	_ = rt
	net := NewSimNet(rt, nil)
	net.Host("h")

	check := func(want Faultstate) {
		st, err := net.HostState("h")
		panicOn(err)
		if st != want {
			t.Fatalf("want %v, but got %v", want, st)
		}
	}
	panicOn(net.FaultHost("h", 0.5, 0.5))
	check(FAULTY)
	panicOn(net.IsolateHost("h"))
	check(FAULTY_ISOLATED)
	// repair without unIsolate clears only the card fault.
	panicOn(net.RepairHost("h", false))
	check(ISOLATED)
	panicOn(net.RepairHost("h", true))
	check(HEALTHY)
}

func Test705_mid_flight_isolation_drops(t *testing.T) {
	// the message is in flight when the target is
	// isolated; it must vanish rather than arrive.
	rt, net, ab, ba := netPair(5)
	SpawnNamed(rt, "send", ab.Send([]byte("doomed")))
	SpawnNamed(rt, "cut", Then(Yield(), func(struct{}) Future[struct{}] {
		panicOn(net.IsolateHost("bob"))
		return Ready(struct{}{})
	}))
	panicOn(rt.Wait())
	if net.Delivered != 0 || net.DroppedSends != 1 {
		t.Fatalf("want 0 delivered / 1 dropped, got %v / %v",
			net.Delivered, net.DroppedSends)
	}
	if len(ba.inbox) != 0 {
		t.Fatalf("%v messages leaked into the inbox", len(ba.inbox))
	}
}

func Test706_lossy_card_drops_some_sends(t *testing.T) {
	rt, net, ab, ba := netPair(11)
	panicOn(net.FaultHost("alice", 0.5, 0))
	N := 200
	for i := 0; i < N; i++ {
		SpawnNamed(rt, "send", ab.Send([]byte{1}))
	}
	panicOn(rt.Wait())
	if net.DroppedSends == 0 || net.DroppedSends == int64(N) {
		t.Fatalf("a 0.5 drop card should lose some but not all of %v sends; dropped %v", N, net.DroppedSends)
	}
	if got := net.Delivered + net.DroppedSends; got != int64(N) {
		t.Fatalf("delivered+dropped = %v, want %v", got, N)
	}
	if len(ba.inbox) != int(net.Delivered) {
		t.Fatalf("inbox holds %v, delivered says %v", len(ba.inbox), net.Delivered)
	}
}

func Test707_capacity_backpressure(t *testing.T) {
	cfg := NewSimConfig().WithSeed(1).
		WithCapacity(2, 2).
		WithMessageLatency(10*time.Millisecond, 10*time.Millisecond)
	rt := NewRuntime(cfg)
	net := NewSimNet(rt, cfg)
	net.Host("a")
	net.Host("b")
	c, err := net.Open("a", "b")
	panicOn(err)
	// two fit in flight; the third exceeds capacity.
	if err := BlockOn(rt, c.Send([]byte{1})); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := BlockOn(rt, c.Send([]byte{2})); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := BlockOn(rt, c.Send([]byte{3})); !errors.Is(err, ErrCapacity) {
		t.Fatalf("want ErrCapacity, but got %v", err)
	}
	// after delivery the circuit has room again.
	BlockOn(rt, Sleep(20*time.Millisecond))
	if err := BlockOn(rt, c.Send([]byte{4})); err != nil {
		t.Fatalf("send after drain: %v", err)
	}
}

func Test708_fault_ticker_flips_and_stops(t *testing.T) {
	cfg := NewSimConfig().WithSeed(1234).
		WithFailRate(0.5).WithRepairRate(0.5).
		WithTick(time.Millisecond)
	rt := NewRuntime(cfg)
	net := NewSimNet(rt, cfg)
	for i := 0; i < 4; i++ {
		net.Host(fmt.Sprintf("h%v", i))
	}
	tok := NewCancelToken()
	SpawnNamed(rt, "fault ticker", net.FaultTicker(tok))

	sawFaulty := false
	BlockOn(rt, Then(Sleep(100*time.Millisecond), func(time.Time) Future[struct{}] {
		for i := 0; i < 4; i++ {
			st, err := net.HostState(fmt.Sprintf("h%v", i))
			panicOn(err)
			if st == FAULTY {
				sawFaulty = true
			}
		}
		tok.Cancel()
		return Ready(struct{}{})
	}))
	panicOn(rt.Wait())
	if !sawFaulty {
		// 400 host-ticks at FailRate 0.5; for this fixed
		// seed the flip definitely happens.
		t.Fatalf("no host ever went FAULTY across 100 ticks at FailRate 0.5")
	}
}

func Test709_recv_on_powered_off_host(t *testing.T) {
	rt, net, ab, _ := netPair(1)
	panicOn(net.PowerOff("alice"))
	r := BlockOn(rt, ab.Recv())
	if !errors.Is(r.Err, ErrHostDown) {
		t.Fatalf("want ErrHostDown, but got %v", r.Err)
	}
}

func Test710_latency_digest_tracks_hops(t *testing.T) {
	rt, net, ab, _ := netPair(9)
	for i := 0; i < 50; i++ {
		SpawnNamed(rt, "send", ab.Send([]byte{byte(i)}))
	}
	panicOn(rt.Wait())
	if got, want := net.Digest().Count(), int64(50); got != want {
		t.Fatalf("want %v samples, but got %v", want, got)
	}
	p50 := net.Digest().Quantile(0.5)
	if p50 < time.Millisecond || p50 > 20*time.Millisecond {
		t.Fatalf("p50 hop %v outside configured bounds", p50)
	}
}

func Test711_delivery_survives_stale_reader(t *testing.T) {
	// reader a queues on the circuit, then abandons the
	// Recv by winning a select on its cancel token; the
	// arriving message must still wake reader b.
	rt, _, ab, ba := netPair(11)
	tok := NewCancelToken()
	SpawnNamed(rt, "a", Select(
		When(ba.Recv(), nil),
		When(tok.Done(), func(struct{}) {}),
	))
	hb := SpawnNamed(rt, "b", ba.Recv())
	SpawnNamed(rt, "driver", Then(Yield(), func(struct{}) Future[struct{}] {
		tok.Cancel()
		return Map(ab.Send([]byte("late")), func(err error) struct{} {
			panicOn(err)
			return struct{}{}
		})
	}))
	r := BlockOn(rt, hb.Join())
	panicOn(rt.Wait())
	if r.Err != nil || r.Val.Err != nil {
		t.Fatalf("reader b never saw the message: %+v", r)
	}
	if got, want := string(r.Val.Val.Payload), "late"; got != want {
		t.Fatalf("want %v, but got %v", want, got)
	}
}
