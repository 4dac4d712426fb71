package relay

import (
	"errors"
	"testing"

	"github.com/agriha/controld/internal/agerr"
)

// fakeRegister is an in-memory stand-in for the MCP23008's registers,
// implementing the minimal `register` interface the driver needs.
type fakeRegister struct {
	iodir  byte
	olat   byte
	txErr  error
	writes int
}

func (f *fakeRegister) Tx(w, r []byte) error {
	if f.txErr != nil {
		return f.txErr
	}
	if len(w) == 0 {
		return errors.New("empty write")
	}
	reg := w[0]
	switch {
	case len(w) == 2: // write register
		f.writes++
		switch reg {
		case regIODIR:
			f.iodir = w[1]
		case regOLAT:
			f.olat = w[1]
		}
	case len(w) == 1 && len(r) == 1: // read register
		switch reg {
		case regOLAT:
			r[0] = f.olat
		case regGPIO:
			r[0] = f.olat
		}
	}
	return nil
}

func newTestDriver(fr *fakeRegister) *Driver {
	return &Driver{dev: fr}
}

func TestReverseWiring(t *testing.T) {
	fr := &fakeRegister{}
	d := newTestDriver(fr)

	if err := d.SetChannel(1, true); err != nil {
		t.Fatalf("SetChannel(1, true): %v", err)
	}
	mask, err := d.GetMask()
	if err != nil {
		t.Fatalf("GetMask: %v", err)
	}
	if mask != 0x80 {
		t.Fatalf("mask after ch1 on = 0x%02X, want 0x80", mask)
	}

	if err := d.SetChannel(8, true); err != nil {
		t.Fatalf("SetChannel(8, true): %v", err)
	}
	mask, _ = d.GetMask()
	if mask != 0x81 {
		t.Fatalf("mask after ch8 on = 0x%02X, want 0x81", mask)
	}

	if err := d.SetChannel(1, false); err != nil {
		t.Fatalf("SetChannel(1, false): %v", err)
	}
	mask, _ = d.GetMask()
	if mask != 0x01 {
		t.Fatalf("mask after ch1 off = 0x%02X, want 0x01", mask)
	}
}

func TestChannelBitInvolution(t *testing.T) {
	for ch := 1; ch <= 8; ch++ {
		bit, err := channelBit(ch)
		if err != nil {
			t.Fatalf("channelBit(%d): %v", ch, err)
		}
		log2 := 0
		for b := bit; b > 1; b >>= 1 {
			log2++
		}
		if ch+log2 != 8 {
			t.Errorf("ch=%d bit=%d: ch + log2(bit) = %d, want 8", ch, bit, ch+log2)
		}
	}
}

func TestSetChannelInvalidArgument(t *testing.T) {
	d := newTestDriver(&fakeRegister{})
	for _, ch := range []int{0, 9, -1, 100} {
		err := d.SetChannel(ch, true)
		if !agerr.Is(err, agerr.InvalidArgument) {
			t.Errorf("SetChannel(%d): want InvalidArgument, got %v", ch, err)
		}
	}
}

func TestSetChannelHardwareError(t *testing.T) {
	fr := &fakeRegister{txErr: errors.New("bus wedged")}
	d := newTestDriver(fr)

	err := d.SetChannel(3, true)
	if !agerr.Is(err, agerr.HardwareIo) {
		t.Fatalf("want HardwareIo, got %v", err)
	}

	// Shadow must not advance on a failed write (invariant 3).
	if on, _ := d.GetChannel(3); on {
		t.Fatalf("shadow updated despite I2C failure")
	}
}

func TestGetChannelReflectsLastWrite(t *testing.T) {
	d := newTestDriver(&fakeRegister{})
	if err := d.SetChannel(4, true); err != nil {
		t.Fatal(err)
	}
	on, err := d.GetChannel(4)
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Fatalf("GetChannel(4) = false after SetChannel(4, true)")
	}
}

func TestAllOff(t *testing.T) {
	fr := &fakeRegister{}
	d := newTestDriver(fr)
	if err := d.SetMask(0xFF); err != nil {
		t.Fatal(err)
	}
	if err := d.AllOff(); err != nil {
		t.Fatal(err)
	}
	mask, _ := d.GetMask()
	if mask != 0 {
		t.Fatalf("mask after AllOff = 0x%02X, want 0", mask)
	}
}
