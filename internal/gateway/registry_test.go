package gateway

import (
	"testing"

	"github.com/chozzz/vargos/pkg/protocol"
)

func reg(service string, methods, events, subs []string) protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service:       service,
		Methods:       methods,
		Events:        events,
		Subscriptions: subs,
	}
}

func TestRegistry_UniqueMethodOwnership(t *testing.T) {
	r := NewRegistry()
	a := newConn("a", nil)
	b := newConn("b", nil)

	r.Register(a, reg("svc-a", []string{"echo.ping"}, nil, nil))
	if got := r.Route("echo.ping"); got != a {
		t.Fatal("method not routed to registering conn")
	}

	// Another service claiming the same method takes it over; the
	// method still resolves to exactly one connection.
	r.Register(b, reg("svc-b", []string{"echo.ping"}, nil, nil))
	if got := r.Route("echo.ping"); got != b {
		t.Fatal("late registration did not own the method")
	}

	r.Unregister(b)
	if r.Route("echo.ping") != nil {
		t.Fatal("method survived owner disconnect")
	}
}

func TestRegistry_DuplicateServiceDisplacesPrior(t *testing.T) {
	r := NewRegistry()
	first := newConn("c1", nil)
	second := newConn("c2", nil)

	r.Register(first, reg("agent", []string{"agent.run"}, nil, []string{"cron.trigger"}))
	displaced, _ := r.Register(second, reg("agent", []string{"agent.run"}, nil, nil))

	if displaced != first {
		t.Fatal("prior connection not reported as displaced")
	}
	if got := r.Route("agent.run"); got != second {
		t.Fatal("method not owned by the replacement")
	}
	// The displaced connection's subscriptions are gone.
	for _, sub := range r.Subscribers("cron.trigger") {
		if sub == first {
			t.Fatal("displaced connection still subscribed")
		}
	}
}

func TestRegistry_SubscribersExactSet(t *testing.T) {
	r := NewRegistry()
	pub := newConn("p", nil)
	sub1 := newConn("s1", nil)
	sub2 := newConn("s2", nil)

	r.Register(pub, reg("publisher", nil, []string{"tick"}, nil))
	r.Register(sub1, reg("listener-1", nil, nil, []string{"tick"}))
	r.Register(sub2, reg("listener-2", nil, nil, []string{"other"}))

	subs := r.Subscribers("tick")
	if len(subs) != 1 || subs[0] != sub1 {
		t.Fatalf("subscribers = %v, want exactly listener-1", subs)
	}
	if len(r.Subscribers("unheard")) != 0 {
		t.Fatal("event with no subscribers returned connections")
	}

	r.Unregister(sub1)
	if len(r.Subscribers("tick")) != 0 {
		t.Fatal("unregistered connection still subscribed")
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	c := newConn("c", nil)
	r.Register(c, reg("sessions", []string{"session.get", "session.create"}, []string{"session.created"}, nil))

	snap := r.Snapshot()
	if len(snap.Services) != 1 || snap.Services[0] != "sessions" {
		t.Errorf("services = %v", snap.Services)
	}
	if len(snap.Methods) != 2 || snap.Methods[0] != "session.create" {
		t.Errorf("methods = %v (want sorted)", snap.Methods)
	}
	if len(snap.Events) != 1 || snap.Events[0] != "session.created" {
		t.Errorf("events = %v", snap.Events)
	}
}
