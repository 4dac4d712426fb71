// Package gpiowatch observes the emergency-switch GPIO lines and
// translates kernel edge events into logical GPIOEvent values for the
// Command Gate. It is the only component that talks to periph's gpio
// package directly.
package gpiowatch

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/agriha/controld/internal/agerr"
	"github.com/agriha/controld/internal/logging"
)

// diToLineOffset is the fixed DI-pin-to-GPIO-line-offset map for the
// UniPi 1.1 board's gpiochip0.
var diToLineOffset = map[int]int{
	7: 11, 8: 7, 9: 8, 10: 9, 11: 25, 12: 10, 13: 31, 14: 30,
}

// Event is a logical GPIO edge: falling (switch closed) reports Value 1,
// rising (switch open) reports Value 0.
type Event struct {
	DIPin      int
	LineOffset int
	Value      int
	Timestamp  time.Time
}

// Callback receives watcher events. It is invoked synchronously and must
// not block for long; a panic inside it is recovered so one bad callback
// cannot take down the watcher.
type Callback func(Event)

// edgePin is the minimal surface this watcher needs from a gpio.PinIO.
// Any periph PinIO satisfies it structurally; tests substitute a fake.
type edgePin interface {
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// Watcher holds one goroutine per observed line, each blocking on
// WaitForEdge and forwarding translated events to the callback.
type Watcher struct {
	chip     string
	diPins   []int
	callback Callback
	lookup   func(name string) edgePin

	mu      sync.Mutex
	pins    map[int]edgePin
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New constructs a Watcher for the given DI pins. chip is accepted for
// parity with the configuration schema; periph resolves lines by name via
// gpioreg rather than an open chip handle.
func New(chip string, diPins []int, callback Callback) *Watcher {
	return &Watcher{
		chip:     chip,
		diPins:   diPins,
		callback: callback,
		lookup: func(name string) edgePin {
			pin := gpioreg.ByName(name)
			if pin == nil {
				return nil
			}
			return pin
		},
	}
}

// Start requests each configured DI line with a pull-up bias and
// both-edge detection, then spawns one watcher goroutine per line.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return agerr.New(agerr.InvalidArgument, "gpiowatch: already started")
	}

	if _, err := host.Init(); err != nil {
		return agerr.Wrap(agerr.HardwareIo, "periph host init", err)
	}

	pins, err := configurePins(w.lookup, w.diPins)
	if err != nil {
		return err
	}

	w.pins = pins
	w.stopCh = make(chan struct{})
	for diPin, pin := range pins {
		w.wg.Add(1)
		go w.watch(diPin, diToLineOffset[diPin], pin)
	}
	w.started = true
	return nil
}

// configurePins resolves and configures every observed DI line, pure
// enough to unit test without a real gpio chip.
func configurePins(lookup func(name string) edgePin, diPins []int) (map[int]edgePin, error) {
	pins := make(map[int]edgePin, len(diPins))
	for _, diPin := range diPins {
		offset, ok := diToLineOffset[diPin]
		if !ok {
			logging.Warnf("gpiowatch: no line offset mapped for DI pin %d, skipping", diPin)
			continue
		}

		pin := lookup(fmt.Sprintf("%d", offset))
		if pin == nil {
			return nil, agerr.New(agerr.HardwareIo, fmt.Sprintf("gpiowatch: line offset %d not found", offset))
		}
		if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
			return nil, agerr.Wrap(agerr.HardwareIo, fmt.Sprintf("gpiowatch: configure DI pin %d (line %d)", diPin, offset), err)
		}
		pins[diPin] = pin
	}
	return pins, nil
}

// watch blocks on WaitForEdge for a single line until Stop is called.
func (w *Watcher) watch(diPin, offset int, pin edgePin) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if !pin.WaitForEdge(500 * time.Millisecond) {
			continue // timeout, recheck stop condition
		}

		// Pull-up wiring: a falling edge is "switch closed" (logical 1).
		value := 0
		if pin.Read() == gpio.Low {
			value = 1
		}

		w.deliver(Event{
			DIPin:      diPin,
			LineOffset: offset,
			Value:      value,
			Timestamp:  time.Now(),
		})
	}
}

// deliver invokes the callback, recovering any panic so a misbehaving
// callback cannot abort the watcher.
func (w *Watcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("gpiowatch: callback panicked on event %+v: %v", ev, r)
		}
	}()
	w.callback(ev)
}

// Stop signals every watch goroutine to exit and waits for them to do so.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	w.started = false
	w.mu.Unlock()
}
