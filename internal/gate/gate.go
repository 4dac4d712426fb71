// Package gate implements the safety interlock that every relay command
// must pass through. It is deliberately asymmetric: the emergency path
// bypasses the very lockout it installs, so that a physical switch can
// never be made self-ineffective by its own lockout.
package gate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agriha/controld/internal/agerr"
	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/logging"
)

// RelayWriter is the minimal surface the gate needs from the relay
// driver. *relay.Driver satisfies it; tests substitute a fake.
type RelayWriter interface {
	SetChannel(ch int, on bool) error
}

// diToChannel is the fixed DI-pin-to-relay-channel override map: DI pins
// 7..14 map onto relay channels 1..8.
var diToChannel = map[int]int{
	7: 1, 8: 2, 9: 3, 10: 4, 11: 5, 12: 6, 13: 7, 14: 8,
}

const defaultLockoutSec = 300

// Event is a logical GPIO edge as delivered by the edge watcher.
type Event struct {
	DIPin     int
	Value     int // 1 = switch closed, 0 = switch opened
	Timestamp time.Time
}

// Gate wraps a Relay Driver with a monotonic lockout deadline. "Locked"
// means time.Now() is before the deadline.
type Gate struct {
	mu       sync.Mutex
	deadline time.Time

	driver  RelayWriter
	pub     broker.Publisher
	house   string
	lockout time.Duration
}

// New constructs a Gate. pub may be nil, in which case emergency override
// publishes are skipped. lockout defaults to 300s when zero.
func New(driver RelayWriter, pub broker.Publisher, house string, lockout time.Duration) *Gate {
	if lockout <= 0 {
		lockout = defaultLockoutSec * time.Second
	}
	return &Gate{
		driver:  driver,
		pub:     pub,
		house:   house,
		lockout: lockout,
	}
}

// IsLocked reports whether the gate currently refuses commanded writes.
func (g *Gate) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Now().Before(g.deadline)
}

// Remaining reports the time left in the lockout, zero when not locked.
func (g *Gate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.deadline); d > 0 {
		return d
	}
	return 0
}

// Clear force-unlocks the gate, reporting whether it had been locked.
func (g *Gate) Clear() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	wasLocked := time.Now().Before(g.deadline)
	g.deadline = time.Time{}
	return wasLocked
}

// Gate drives the relay driver to the requested state unless the gate is
// locked, in which case the command is dropped and false is returned.
func (g *Gate) Gate(channel int, on bool) bool {
	if g.IsLocked() {
		return false
	}
	if err := g.driver.SetChannel(channel, on); err != nil {
		logging.Errorf("gate: relay write failed: %v", err)
		return false
	}
	return true
}

// HandleGPIOEvent is the sole entry point for emergency-switch reactions.
// It bypasses Gate entirely: the write happens whether or not the gate is
// currently locked, because this is the write that installs the lockout.
func (g *Gate) HandleGPIOEvent(ev Event) {
	channel, ok := diToChannel[ev.DIPin]
	if !ok {
		logging.Warnf("gate: no relay channel mapped for DI pin %d", ev.DIPin)
		return
	}

	on := ev.Value == 1
	if err := g.driver.SetChannel(channel, on); err != nil {
		logging.Errorf("gate: emergency write to channel %d failed: %v", channel, err)
	}

	g.publishOverride(ev.DIPin, channel, on, ev.Timestamp)

	if on {
		g.mu.Lock()
		g.deadline = time.Now().Add(g.lockout)
		g.mu.Unlock()
	}
}

func (g *Gate) publishOverride(diPin, channel int, state bool, ts time.Time) {
	if g.pub == nil {
		return
	}
	// A switch-open event reports 0, not the lockout duration: it never
	// installs or extends a lockout, only a close does.
	lockoutSec := 0
	if state {
		lockoutSec = int(g.lockout.Seconds())
	}
	payload, err := json.Marshal(struct {
		EventID    string    `json:"event_id"`
		DIPin      int       `json:"di_pin"`
		RelayCh    int       `json:"relay_ch"`
		State      bool      `json:"state"`
		Timestamp  time.Time `json:"timestamp"`
		LockoutSec int       `json:"lockout_sec"`
	}{
		EventID:    uuid.NewString(),
		DIPin:      diPin,
		RelayCh:    channel,
		State:      state,
		Timestamp:  ts,
		LockoutSec: lockoutSec,
	})
	if err != nil {
		logging.Errorf("gate: marshal override payload: %v", err)
		return
	}

	topic := fmt.Sprintf("agriha/%s/emergency/override", g.house)
	token := g.pub.Publish(topic, 1, true, payload)
	if token.Wait() && token.Error() != nil {
		logging.Errorf("gate: publish override: %v", token.Error())
	}
}

// ErrLockedOut builds the LockedOut error for a refused command on channel,
// for callers that need an error value rather than a boolean.
func ErrLockedOut(channel int) error {
	return agerr.New(agerr.LockedOut, fmt.Sprintf("channel %d: gate is locked", channel))
}
