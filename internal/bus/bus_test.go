package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicAgentResponse)
	defer b.Unsubscribe(sub)

	b.Publish(TopicAgentResponse, `{"type":"text"}`)

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicAgentResponse {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicAgentResponse)
		}
		if event.Payload != `{"type":"text"}` {
			t.Fatalf("payload = %v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	gwSub := b.Subscribe("gateway_")
	defer b.Unsubscribe(gwSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicGatewayStatus, GatewayStatus{Running: true, Managed: false})
	b.Publish(TopicAgentResponse, "line")

	select {
	case event := <-gwSub.Ch():
		status, ok := event.Payload.(GatewayStatus)
		if !ok || !status.Running || status.Managed {
			t.Fatalf("unexpected payload %#v", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for gateway event")
	}
	select {
	case event := <-gwSub.Ch():
		t.Fatalf("unexpected event on gateway subscription: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
		case <-time.After(time.Second):
			t.Fatalf("catch-all subscription missed event %d", i)
		}
	}
}

func TestBus_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize+25; i++ {
			b.Publish(TopicAgentResponse, i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 25 {
		t.Fatalf("dropped = %d, want 25", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers")
	}
	b.Unsubscribe(nil)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicAgentStatus, AgentStatus{Running: true})
			}
		}()
	}
	wg.Wait()
	if len(sub.Ch()) != 50 {
		t.Fatalf("expected 50 buffered events, got %d", len(sub.Ch()))
	}
}

func TestBus_LateSubscriberGetsRetainedStatus(t *testing.T) {
	b := New()
	b.Publish(TopicGatewayStatus, GatewayStatus{Running: true})
	b.Publish(TopicGatewayStatus, GatewayStatus{Running: true, Managed: true})
	b.Publish(TopicAgentStatus, AgentStatus{Running: true, Pid: 7})
	b.Publish(TopicAgentResponse, "not retained")

	if ev, ok := b.Last(TopicGatewayStatus); !ok || !ev.Payload.(GatewayStatus).Managed {
		t.Fatalf("expected latest gateway status retained, got %+v, %v", ev, ok)
	}
	if _, ok := b.Last(TopicAgentResponse); ok {
		t.Fatalf("agent responses must not be retained")
	}

	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("expected 2 replayed events, got %d", got)
	}
	first, second := <-sub.Ch(), <-sub.Ch()
	if first.Topic != TopicAgentStatus || second.Topic != TopicGatewayStatus {
		t.Fatalf("unexpected replay order %s, %s", first.Topic, second.Topic)
	}
	if !second.Payload.(GatewayStatus).Managed {
		t.Fatalf("replayed stale gateway status %+v", second.Payload)
	}

	gw := b.Subscribe("gateway_")
	defer b.Unsubscribe(gw)
	if got := len(gw.Ch()); got != 1 {
		t.Fatalf("prefix subscription should replay only matching topics, got %d", got)
	}
}
