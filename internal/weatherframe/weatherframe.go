// Package weatherframe decodes the fixed-layout 17/21-byte serial weather
// station frame: a pure, stateless codec plus a streaming reader that
// hunts for frame boundaries on a live serial byte stream.
package weatherframe

import (
	"io"
	"time"

	"github.com/agriha/controld/internal/agerr"
)

const (
	syncByte    byte = 0x24
	minFrameLen      = 17
	extFrameLen      = 21

	sentinelWindDir9  = 0x1FF
	sentinelTemp11    = 0x7FF
	sentinelWindSpd9  = 0x1FF
	sentinelGust8     = 0xFF
	sentinelUV16      = 0xFFFF
	sentinelIllum24   = 0xFFFFFF
)

// Reading is a decoded weather frame. Pointer fields are nil when the
// corresponding measurand carried its sentinel ("invalid") value.
type Reading struct {
	WindDirectionDeg *float64 `json:"wind_direction_deg,omitempty"`
	TemperatureC     *float64 `json:"temperature_c,omitempty"`
	HumidityPct      int      `json:"humidity_pct"`
	WindSpeedMS      *float64 `json:"wind_speed_ms,omitempty"`
	GustMS           *float64 `json:"gust_ms,omitempty"`
	RainfallMM       float64  `json:"rainfall_mm"`
	UVWm2            *float64 `json:"uv_wm2,omitempty"`
	IlluminanceLux   *float64 `json:"illuminance_lux,omitempty"`
	LowBattery       bool     `json:"low_battery"`
	PressureHPa      *float64 `json:"pressure_hpa,omitempty"`
}

// Verify reports whether bytes form a checksum-valid frame: length >= 17
// and the low 8 bits of the sum of bytes[0..15] equal bytes[16].
func Verify(b []byte) bool {
	if len(b) < minFrameLen {
		return false
	}
	var sum byte
	for i := 0; i < 16; i++ {
		sum += b[i]
	}
	return sum == b[16]
}

// Decode parses a verified frame into a Reading. It re-checks the
// checksum itself (invariant 4: a frame is only decoded once verified)
// and returns a Checksum error if it does not hold.
func Decode(b []byte) (Reading, error) {
	if !Verify(b) {
		return Reading{}, agerr.New(agerr.Checksum, "weather frame checksum mismatch")
	}

	var r Reading

	windDirRaw := uint16(b[2]) | (uint16(b[3]&0x80) << 1)
	if windDirRaw != sentinelWindDir9 {
		v := float64(windDirRaw)
		r.WindDirectionDeg = &v
	}

	tempRaw := uint16(b[4]) | (uint16(b[3]&0x07) << 8)
	if tempRaw != sentinelTemp11 {
		v := (float64(tempRaw) - 400) / 10
		r.TemperatureC = &v
	}

	r.HumidityPct = int(b[5])

	windSpdRaw := uint16(b[6]) | (uint16(b[3]&0x10) << 4)
	if windSpdRaw != sentinelWindSpd9 {
		v := float64(windSpdRaw) * 1.12 / 8
		r.WindSpeedMS = &v
	}

	if b[7] != sentinelGust8 {
		v := float64(b[7]) * 1.12
		r.GustMS = &v
	}

	r.RainfallMM = float64(uint16(b[8])<<8|uint16(b[9])) * 0.3

	uvRaw := uint16(b[10])<<8 | uint16(b[11])
	if uvRaw != sentinelUV16 {
		v := float64(uvRaw) / 10
		r.UVWm2 = &v
	}

	illumRaw := uint32(b[12])<<16 | uint32(b[13])<<8 | uint32(b[14])
	if illumRaw != sentinelIllum24 {
		v := float64(illumRaw) / 10
		r.IlluminanceLux = &v
	}

	r.LowBattery = b[3]&0x08 != 0

	if len(b) >= extFrameLen {
		pressureRaw := uint32(b[17])<<16 | uint32(b[18])<<8 | uint32(b[19])
		v := float64(pressureRaw) / 100
		r.PressureHPa = &v
	}

	return r, nil
}

// FrameReader hunts for 0x24-sync-prefixed weather frames on a live byte
// stream (a serial port). It owns a single background goroutine that pumps
// bytes off the underlying reader for the reader's lifetime, so that reads
// can be abandoned on timeout without blocking the caller on a serial port
// that has no deadline support of its own.
type FrameReader struct {
	bytes chan byte
	errs  chan error
}

// NewFrameReader starts pumping bytes from r in the background.
func NewFrameReader(r io.Reader) *FrameReader {
	fr := &FrameReader{
		bytes: make(chan byte, 256),
		errs:  make(chan error, 1),
	}
	go fr.pump(r)
	return fr
}

func (fr *FrameReader) pump(r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fr.bytes <- buf[0]
		}
		if err != nil {
			fr.errs <- err
			return
		}
	}
}

// readByte waits up to timeout for the next byte.
func (fr *FrameReader) readByte(timeout time.Duration) (byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case b := <-fr.bytes:
		return b, nil
	case err := <-fr.errs:
		// The pump queues every byte before its final error, so bytes still
		// buffered here precede the error: hand them out first and keep the
		// error for a later read.
		select {
		case b := <-fr.bytes:
			fr.errs <- err
			return b, nil
		default:
		}
		return 0, agerr.Wrap(agerr.HardwareIo, "serial read", err)
	case <-timer.C:
		return 0, agerr.New(agerr.Timeout, "waiting for frame byte")
	}
}

// ReadFrame discards bytes until the sync byte is seen (failing with
// Timeout if syncTimeout elapses first), reads the remaining 16 bytes of
// the base frame, verifies the checksum, then makes one short (~100ms)
// attempt to read 4 more bytes to detect the extended (pressure-bearing)
// variant.
func (fr *FrameReader) ReadFrame(syncTimeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(syncTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, agerr.New(agerr.Timeout, "sync byte not observed")
		}
		b, err := fr.readByte(remaining)
		if err != nil {
			return nil, err
		}
		if b == syncByte {
			break
		}
	}

	frame := make([]byte, minFrameLen)
	frame[0] = syncByte
	for i := 1; i < minFrameLen; i++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 2 * time.Second
		}
		b, err := fr.readByte(remaining)
		if err != nil {
			return nil, err
		}
		frame[i] = b
	}

	if !Verify(frame) {
		return nil, agerr.New(agerr.Checksum, "weather frame checksum mismatch")
	}

	ext := make([]byte, 0, 4)
	for i := 0; i < 4; i++ {
		b, err := fr.readByte(100 * time.Millisecond)
		if err != nil {
			return frame, nil
		}
		ext = append(ext, b)
	}
	return append(frame, ext...), nil
}
