package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/logging"
	"github.com/agriha/controld/internal/weatherframe"
)

const w1GlobPattern = "/sys/bus/w1/devices/28-*/temperature"

// SensorActivity runs the periodic 1-wire temperature read and a
// dedicated-worker weather-frame read, each cycle.
type SensorActivity struct {
	pub      broker.Publisher
	house    string
	interval time.Duration
	devices  []string // configured 1-wire device ids; empty means discover all 28-* devices

	weather        *weatherframe.FrameReader
	weatherTimeout time.Duration

	// oneWirePathOverride lets tests redirect device-id-to-path resolution
	// away from the real sysfs tree. Nil in production.
	oneWirePathOverride func(deviceID string) string
}

// NewSensorActivity constructs a SensorActivity. weather may be nil, in
// which case the weather-frame half of the cycle is skipped (no serial
// port configured).
func NewSensorActivity(pub broker.Publisher, house string, interval time.Duration, devices []string, weather *weatherframe.FrameReader) *SensorActivity {
	return &SensorActivity{
		pub:            pub,
		house:          house,
		interval:       interval,
		devices:        devices,
		weather:        weather,
		weatherTimeout: 20 * time.Second,
	}
}

// Run drives the periodic cycle until ctx is cancelled. Cycle boundaries
// do not align to wall clock: the scheduler sleeps for the interval after
// each cycle completes.
func (a *SensorActivity) Run(ctx context.Context) error {
	for {
		a.runCycle()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.interval):
		}
	}
}

func (a *SensorActivity) runCycle() {
	a.readOneWire()

	if a.weather != nil {
		go a.readWeather()
	}
}

func (a *SensorActivity) readOneWire() {
	devicePaths, err := a.oneWireDevicePaths()
	if err != nil {
		logging.Errorf("sensor: discover 1-wire devices: %v", err)
		return
	}

	for _, path := range devicePaths {
		deviceID := filepath.Base(filepath.Dir(path))
		tempC, err := readOneWireTemperature(path)
		if err != nil {
			logging.Warnf("sensor: read %s: %v", deviceID, err)
			continue
		}

		payload, err := json.Marshal(struct {
			DeviceID    string    `json:"device_id"`
			Temperature float64   `json:"temperature_c"`
			Timestamp   time.Time `json:"timestamp"`
		}{deviceID, tempC, time.Now()})
		if err != nil {
			logging.Errorf("sensor: marshal reading for %s: %v", deviceID, err)
			continue
		}

		topic := fmt.Sprintf("agriha/%s/sensor/DS18B20", a.house)
		token := a.pub.Publish(topic, 1, true, payload)
		if token.Wait() && token.Error() != nil {
			logging.Errorf("sensor: publish %s: %v", deviceID, token.Error())
		}
	}
}

// oneWireDevicePaths resolves the sysfs temperature files to read: the
// configured device ids if any, else every discovered 28-* device.
func (a *SensorActivity) oneWireDevicePaths() ([]string, error) {
	if len(a.devices) > 0 {
		resolve := a.oneWirePathOverride
		if resolve == nil {
			resolve = func(id string) string {
				return filepath.Join("/sys/bus/w1/devices", id, "temperature")
			}
		}
		paths := make([]string, 0, len(a.devices))
		for _, id := range a.devices {
			paths = append(paths, resolve(id))
		}
		return paths, nil
	}
	return filepath.Glob(w1GlobPattern)
}

func readOneWireTemperature(path string) (float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	milliC, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(milliC) / 1000.0, nil
}

// readWeather performs one blocking frame read and publish. It runs on
// its own goroutine per cycle so a slow or silent serial port never
// delays the sensor scheduler.
func (a *SensorActivity) readWeather() {
	frame, err := a.weather.ReadFrame(a.weatherTimeout)
	if err != nil {
		logging.Warnf("sensor: weather frame read: %v", err)
		return
	}

	reading, err := weatherframe.Decode(frame)
	if err != nil {
		logging.Warnf("sensor: weather frame decode: %v", err)
		return
	}

	payload, err := json.Marshal(struct {
		weatherframe.Reading
		Timestamp time.Time `json:"timestamp"`
	}{reading, time.Now()})
	if err != nil {
		logging.Errorf("sensor: marshal weather reading: %v", err)
		return
	}

	token := a.pub.Publish("agriha/farm/weather/misol", 1, true, payload)
	if token.Wait() && token.Error() != nil {
		logging.Errorf("sensor: publish weather reading: %v", token.Error())
	}
}
