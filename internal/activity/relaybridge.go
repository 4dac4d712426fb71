package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/logging"
)

// gateWriter is the minimal surface the bridge needs from the Command
// Gate: commanded writes go through it so lockout is always honored.
type gateWriter interface {
	Gate(channel int, on bool) bool
}

// stateReader is the minimal surface needed to republish full relay
// state: a direct register read, independent of the gate's write path.
type stateReader interface {
	GetMask() (byte, error)
}

// relayCommand is the subscribed message shape for a per-channel set.
type relayCommand struct {
	Value       int     `json:"value"`
	DurationSec float64 `json:"duration_sec"`
	Reason      string  `json:"reason"`
}

// RelayBridge subscribes to per-channel set topics, drives the Relay
// Driver through the Gate, and manages one auto-off timer per channel.
type RelayBridge struct {
	gate  gateWriter
	state stateReader
	sub   broker.Subscriber
	pub   broker.Publisher
	house string

	mu     sync.Mutex
	timers map[int]*time.Timer
}

// NewRelayBridge constructs a RelayBridge.
func NewRelayBridge(gate gateWriter, state stateReader, sub broker.Subscriber, pub broker.Publisher, house string) *RelayBridge {
	return &RelayBridge{
		gate:   gate,
		state:  state,
		sub:    sub,
		pub:    pub,
		house:  house,
		timers: make(map[int]*time.Timer),
	}
}

// Run subscribes to the per-channel set wildcard and blocks until ctx is
// cancelled, then cancels any pending auto-off timers.
func (b *RelayBridge) Run(ctx context.Context) error {
	topic := fmt.Sprintf("agriha/%s/relay/+/set", b.house)
	token := b.sub.Subscribe(topic, 1, b.handleMessage)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}

	<-ctx.Done()
	b.cancelAllTimers()
	return nil
}

// handleMessage is the subscription callback: parse, cancel the prior
// timer for this channel, command through the gate, republish state, and
// install a new auto-off timer if requested.
func (b *RelayBridge) handleMessage(topic string, payload []byte) {
	ch, err := channelFromSetTopic(topic)
	if err != nil {
		logging.Warnf("relaybridge: %v", err)
		return
	}

	var cmd relayCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logging.Warnf("relaybridge: malformed command on channel %d: %v", ch, err)
		return
	}
	if cmd.Value != 0 && cmd.Value != 1 {
		logging.Warnf("relaybridge: channel %d: value %d out of range", ch, cmd.Value)
		return
	}

	b.cancelTimer(ch)

	b.gate.Gate(ch, cmd.Value == 1)
	b.publishState()

	if cmd.Value == 1 && cmd.DurationSec > 0 {
		b.installTimer(ch, time.Duration(cmd.DurationSec*float64(time.Second)))
	}
}

// channelFromSetTopic extracts and validates the channel segment of
// "agriha/{house}/relay/{ch}/set".
func channelFromSetTopic(topic string) (int, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[2] != "relay" || parts[4] != "set" {
		return 0, fmt.Errorf("unexpected topic shape %q", topic)
	}
	ch, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, fmt.Errorf("non-numeric channel segment in %q", topic)
	}
	if ch < 1 || ch > 8 {
		return 0, fmt.Errorf("channel %d out of range 1..8", ch)
	}
	return ch, nil
}

// installTimer replaces any existing timer for ch with a new one-shot
// auto-off timer. A new command on the same channel always supersedes the
// prior timer — last writer wins.
func (b *RelayBridge) installTimer(ch int, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.timers[ch]; ok {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		b.gate.Gate(ch, false)
		b.publishState()
		b.mu.Lock()
		// Forget only this timer: a newer one may have replaced it meanwhile.
		if b.timers[ch] == t {
			delete(b.timers, ch)
		}
		b.mu.Unlock()
	})
	b.timers[ch] = t
}

// cancelTimer stops and forgets any pending timer for ch.
func (b *RelayBridge) cancelTimer(ch int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.timers[ch]; ok {
		t.Stop()
		delete(b.timers, ch)
	}
}

func (b *RelayBridge) cancelAllTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch, t := range b.timers {
		t.Stop()
		delete(b.timers, ch)
	}
}

// publishState reads the physical output mask and republishes the full
// 8-channel state, retained.
func (b *RelayBridge) publishState() {
	mask, err := b.state.GetMask()
	if err != nil {
		logging.Errorf("relaybridge: read relay state: %v", err)
		return
	}

	state := make(map[string]interface{}, 9)
	for ch := 1; ch <= 8; ch++ {
		bit := byte(1) << uint(8-ch)
		val := 0
		if mask&bit != 0 {
			val = 1
		}
		state[fmt.Sprintf("ch%d", ch)] = val
	}
	state["ts"] = time.Now()

	payload, err := json.Marshal(state)
	if err != nil {
		logging.Errorf("relaybridge: marshal relay state: %v", err)
		return
	}

	topic := fmt.Sprintf("agriha/%s/relay/state", b.house)
	b.pub.Publish(topic, 1, true, payload)
}
