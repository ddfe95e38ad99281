package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type declaredQueue struct {
	name string
	args amqp091.Table
}

type binding struct {
	queue, key, exchange string
}

// fakeTopology implements Topology.
type fakeTopology struct {
	exchanges map[string]string
	queues    []declaredQueue
	bindings  []binding
	failOn    string
}

func (f *fakeTopology) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp091.Table) error {
	if f.exchanges == nil {
		f.exchanges = map[string]string{}
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeTopology) QueueDeclare(name string, durable, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	if name == f.failOn {
		return amqp091.Queue{}, errors.New("access refused")
	}
	if !durable {
		return amqp091.Queue{}, errors.New("queue must be durable")
	}
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeTopology) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	f.bindings = append(f.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func TestDeclareTopology(t *testing.T) {
	topo := &fakeTopology{}
	if err := DeclareTopology(topo, DefaultConfig()); err != nil {
		t.Fatalf("DeclareTopology() error = %v", err)
	}

	if kind := topo.exchanges["notifications.direct"]; kind != "direct" {
		t.Errorf("exchange kind = %q, want direct", kind)
	}

	var work *declaredQueue
	for i := range topo.queues {
		if topo.queues[i].name == "email.queue" {
			work = &topo.queues[i]
		}
	}
	if work == nil {
		t.Fatal("email.queue not declared")
	}
	if got := work.args["x-dead-letter-exchange"]; got != "notifications.direct" {
		t.Errorf("x-dead-letter-exchange = %v", got)
	}
	if got := work.args["x-dead-letter-routing-key"]; got != "failed.queue" {
		t.Errorf("x-dead-letter-routing-key = %v", got)
	}

	want := []binding{
		{queue: "failed.queue", key: "failed.queue", exchange: "notifications.direct"},
		{queue: "email.queue", key: "email.queue", exchange: "notifications.direct"},
	}
	if len(topo.bindings) != len(want) {
		t.Fatalf("bindings = %v, want %v", topo.bindings, want)
	}
	for i := range want {
		if topo.bindings[i] != want[i] {
			t.Errorf("binding[%d] = %+v, want %+v", i, topo.bindings[i], want[i])
		}
	}
}

func TestDeclareTopology_Error(t *testing.T) {
	topo := &fakeTopology{failOn: "email.queue"}
	if err := DeclareTopology(topo, DefaultConfig()); err == nil {
		t.Fatal("expected error")
	}
}

func stubDial(t *testing.T, fn func(string) (*amqp091.Connection, error)) {
	t.Helper()
	orig := dial
	dial = fn
	t.Cleanup(func() { dial = orig })
}

func TestDial_RetriesFixedCount(t *testing.T) {
	calls := 0
	stubDial(t, func(string) (*amqp091.Connection, error) {
		calls++
		return nil, errors.New("connection refused")
	})

	cfg := DefaultConfig()
	cfg.ConnectAttempts = 3
	cfg.ConnectRetryDelay = time.Millisecond

	_, err := Dial(context.Background(), "amqp://localhost", cfg, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("dial calls = %d, want 3", calls)
	}
}

func TestDial_SucceedsAfterFailure(t *testing.T) {
	calls := 0
	conn := &amqp091.Connection{}
	stubDial(t, func(string) (*amqp091.Connection, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	})

	cfg := DefaultConfig()
	cfg.ConnectRetryDelay = time.Millisecond

	got, err := Dial(context.Background(), "amqp://localhost", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if got != conn {
		t.Error("Dial() returned unexpected connection")
	}
}

func TestDial_ContextCancelled(t *testing.T) {
	stubDial(t, func(string) (*amqp091.Connection, error) {
		return nil, errors.New("connection refused")
	})

	cfg := DefaultConfig()
	cfg.ConnectRetryDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, "amqp://localhost", cfg, zerolog.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
