package signaling

import "testing"

func TestClientSendDropsWhenQueueFull(t *testing.T) {
	c := newClient(nil, 2)

	if !c.Send([]byte("a")) || !c.Send([]byte("b")) {
		t.Fatalf("sends within queue capacity must succeed")
	}
	if c.Send([]byte("c")) {
		t.Fatalf("send beyond queue capacity must report a drop")
	}
}

func TestClientSendAfterClose(t *testing.T) {
	c := newClient(nil, 2)
	close(c.done)

	if c.Send([]byte("a")) {
		t.Fatalf("send on a closing connection must report a drop")
	}
}
