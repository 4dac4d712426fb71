// Package relay drives the MCP23008 8-channel I2C relay expander that is
// the UniPi board's only output path. It is the sole component permitted
// to perform hardware writes to the relay channels; every other writer in
// the daemon must go through the safety gate that wraps this driver.
package relay

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"

	"github.com/agriha/controld/internal/agerr"
)

// MCP23008 register addresses, per the datasheet and matching the
// mcp23x089port register map (IODIR/GPIO/OLAT at these fixed offsets).
const (
	regIODIR = 0x00 // direction register; 0 bit = output
	regGPIO  = 0x09 // input latch (physical pin state)
	regOLAT  = 0x0A // output latch (last value driven)
)

// register is the minimal transaction surface this driver needs from an
// I2C device handle. i2c.Dev satisfies it; tests substitute a fake.
type register interface {
	Tx(w, r []byte) error
}

// Driver owns the relay expander's I2C register and a shadow copy of the
// output latch. The shadow is the source of truth for read-modify-write of
// individual channels; GetMask always re-reads the physical register so
// external manipulation remains observable.
//
// Each method holds the driver's mutex for the duration of its single I2C
// transaction, so concurrent calls are serialized; commanded writes still
// belong behind the Gate, which is the only legitimate writer.
type Driver struct {
	mu     sync.Mutex
	bus    i2c.BusCloser
	dev    register
	shadow byte
}

// Open initializes the relay expander on the given I2C bus number and
// address: configures all 8 pins as outputs and sets the shadow mask to 0.
func Open(busNum int, addr uint16) (*Driver, error) {
	bus, err := i2creg.Open(fmt.Sprintf("%d", busNum))
	if err != nil {
		return nil, agerr.Wrap(agerr.HardwareIo, "open i2c bus", err)
	}

	d := &Driver{
		bus: bus,
		dev: &i2c.Dev{Bus: bus, Addr: addr},
	}

	// All 8 pins as outputs: clear every bit of IODIR.
	if err := d.dev.Tx([]byte{regIODIR, 0x00}, nil); err != nil {
		bus.Close()
		return nil, agerr.Wrap(agerr.HardwareIo, "write direction register", err)
	}

	if err := d.dev.Tx([]byte{regOLAT, 0x00}, nil); err != nil {
		bus.Close()
		return nil, agerr.Wrap(agerr.HardwareIo, "initialize output latch", err)
	}
	d.shadow = 0

	return d, nil
}

// channelBit maps a 1..8 channel number to its output-latch bit. Wiring is
// reversed: channel 1 is the highest bit, channel 8 is the lowest.
func channelBit(ch int) (byte, error) {
	if ch < 1 || ch > 8 {
		return 0, agerr.New(agerr.InvalidArgument, fmt.Sprintf("channel %d out of range 1..8", ch))
	}
	return 1 << uint(8-ch), nil
}

// SetChannel drives a single relay channel on or off. The shadow byte is
// updated only after the hardware write succeeds.
func (d *Driver) SetChannel(ch int, on bool) error {
	bit, err := channelBit(ch)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	newShadow := d.shadow
	if on {
		newShadow |= bit
	} else {
		newShadow &^= bit
	}

	if err := d.dev.Tx([]byte{regOLAT, newShadow}, nil); err != nil {
		return agerr.Wrap(agerr.HardwareIo, fmt.Sprintf("write channel %d", ch), err)
	}
	d.shadow = newShadow
	return nil
}

// GetChannel reports the last commanded state of a channel, per the
// shadow byte.
func (d *Driver) GetChannel(ch int) (bool, error) {
	bit, err := channelBit(ch)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shadow&bit != 0, nil
}

// GetMask reads the physical output-latch register, not the shadow, so
// that manipulation by anything outside this driver remains observable.
func (d *Driver) GetMask() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, 1)
	if err := d.dev.Tx([]byte{regOLAT}, buf); err != nil {
		return 0, agerr.Wrap(agerr.HardwareIo, "read output status", err)
	}
	return buf[0], nil
}

// SetMask writes all 8 channels at once and updates the shadow.
func (d *Driver) SetMask(mask byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.dev.Tx([]byte{regOLAT, mask}, nil); err != nil {
		return agerr.Wrap(agerr.HardwareIo, "write output mask", err)
	}
	d.shadow = mask
	return nil
}

// AllOff drives every channel off.
func (d *Driver) AllOff() error {
	return d.SetMask(0)
}

// Close releases the I2C bus handle.
func (d *Driver) Close() error {
	return d.bus.Close()
}
