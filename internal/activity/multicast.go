package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/ccm"
	"github.com/agriha/controld/internal/logging"
)

// udpConn is the minimal surface this activity needs from a UDP socket.
// *net.UDPConn satisfies it; tests substitute a fake.
type udpConn interface {
	SetReadDeadline(t time.Time) error
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	Close() error
}

// MulticastActivity joins the UECS-CCM multicast group and republishes
// every decoded packet onto the broker, classified by type.
type MulticastActivity struct {
	pub   broker.Publisher
	house string
	addr  string
	port  int

	dial func() (udpConn, error)
}

// NewMulticastActivity constructs a MulticastActivity bound to addr:port.
func NewMulticastActivity(pub broker.Publisher, house, addr string, port int) *MulticastActivity {
	a := &MulticastActivity{pub: pub, house: house, addr: addr, port: port}
	a.dial = a.dialReal
	return a
}

// dialReal joins the group with a nil interface, so the kernel picks the
// interface that joins; the socket is bound to the wildcard address
// (INADDR_ANY) on the group port. On a multi-homed host the joining
// interface is therefore not configurable.
func (a *MulticastActivity) dialReal() (udpConn, error) {
	conn, err := net.ListenMulticastUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(a.addr), Port: a.port})
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s:%d: %w", a.addr, a.port, err)
	}
	return conn, nil
}

// Run joins the group and processes datagrams until ctx is cancelled. A
// socket error backs off for one second and retries the read; the socket
// itself is never reopened.
func (a *MulticastActivity) Run(ctx context.Context) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			logging.Warnf("multicast: socket read error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		a.handleDatagram(buf[:n], src)
	}
}

func (a *MulticastActivity) handleDatagram(data []byte, src *net.UDPAddr) {
	now := time.Now()
	for _, pkt := range ccm.Parse(data) {
		pkt.SourceIP = src.IP.String()
		pkt.Time = now
		a.publish(pkt)
	}
}

func (a *MulticastActivity) publish(pkt ccm.Packet) {
	payload, err := json.Marshal(struct {
		CCMType   string      `json:"ccm_type"`
		Value     interface{} `json:"value"`
		Room      int         `json:"room"`
		Region    int         `json:"region"`
		Order     int         `json:"order"`
		Priority  int         `json:"priority"`
		Level     string      `json:"level"`
		SourceIP  string      `json:"source_ip"`
		Timestamp time.Time   `json:"timestamp"`
	}{
		CCMType:   pkt.Type,
		Value:     pkt.Value,
		Room:      pkt.Room,
		Region:    pkt.Region,
		Order:     pkt.Order,
		Priority:  pkt.Priority,
		Level:     pkt.Level,
		SourceIP:  pkt.SourceIP,
		Timestamp: pkt.Time,
	})
	if err != nil {
		logging.Errorf("multicast: marshal packet %s: %v", pkt.Type, err)
		return
	}

	topic := fmt.Sprintf("agriha/%s/ccm/%s/%s", a.house, pkt.Category(), pkt.Type)
	a.pub.Publish(topic, 0, true, payload)
}
