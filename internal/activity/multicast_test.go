package activity

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type datagram struct {
	payload []byte
	src     *net.UDPAddr
}

type fakeUDPConn struct {
	mu        sync.Mutex
	datagrams []datagram
	idx       int
	closed    bool
}

func (c *fakeUDPConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeUDPConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.datagrams) {
		return 0, nil, &net.DNSError{IsTimeout: true}
	}
	d := c.datagrams[c.idx]
	c.idx++
	n := copy(b, d.payload)
	return n, d.src, nil
}

func (c *fakeUDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestMulticastActivityClassifiesAndPublishes(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 16520}
	conn := &fakeUDPConn{datagrams: []datagram{
		{payload: []byte(`<CCM><DATA type="InAirTemp.mC">25.3</DATA></CCM>`), src: src},
	}}
	pub := &fakePublisher{}
	a := NewMulticastActivity(pub, "house1", "224.0.0.1", 16520)
	a.dial = func() (udpConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		topics, _ := pub.snapshot()
		if len(topics) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	topics, _ := pub.snapshot()
	if len(topics) != 1 || topics[0] != "agriha/house1/ccm/sensor/InAirTemp" {
		t.Fatalf("topics = %v, want one publish to agriha/house1/ccm/sensor/InAirTemp", topics)
	}
}

func TestMulticastActivitySkipsUndecodablePackets(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 16520}
	conn := &fakeUDPConn{datagrams: []datagram{
		{payload: []byte("not xml"), src: src},
	}}
	pub := &fakePublisher{}
	a := NewMulticastActivity(pub, "house1", "224.0.0.1", 16520)
	a.dial = func() (udpConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	topics, _ := pub.snapshot()
	if len(topics) != 0 {
		t.Fatalf("malformed datagram should yield no publishes, got %v", topics)
	}
}

func TestMulticastActivityBacksOffOnSocketErrorWithoutReopening(t *testing.T) {
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 16520}
	conn := &erroringThenOKConn{fakeUDPConn: fakeUDPConn{datagrams: []datagram{
		{payload: []byte(`<CCM><DATA type="VenFan.cMC">1</DATA></CCM>`), src: src},
	}}}
	pub := &fakePublisher{}
	a := NewMulticastActivity(pub, "house1", "224.0.0.1", 16520)
	dialCount := 0
	a.dial = func() (udpConn, error) {
		dialCount++
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		topics, _ := pub.snapshot()
		if len(topics) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	if dialCount != 1 {
		t.Fatalf("socket was redialed %d times, want exactly 1 (never reopened)", dialCount)
	}
	topics, _ := pub.snapshot()
	if len(topics) != 1 {
		t.Fatalf("expected the read to eventually succeed after the backoff, got %v", topics)
	}
}

// erroringThenOKConn returns one hard (non-timeout) error before falling
// back to fakeUDPConn's normal behavior.
type erroringThenOKConn struct {
	fakeUDPConn
	failedOnce bool
}

func (c *erroringThenOKConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	if !c.failedOnce {
		c.failedOnce = true
		return 0, nil, errors.New("socket wedged")
	}
	return c.fakeUDPConn.ReadFromUDP(b)
}
