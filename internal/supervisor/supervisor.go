// Package supervisor boots every daemon component in order, runs them
// concurrently, and drives a coordinated shutdown on signal.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agriha/controld/internal/activity"
	"github.com/agriha/controld/internal/broker"
	"github.com/agriha/controld/internal/config"
	"github.com/agriha/controld/internal/gate"
	"github.com/agriha/controld/internal/gpiowatch"
	"github.com/agriha/controld/internal/logging"
	"github.com/agriha/controld/internal/relay"
	"github.com/agriha/controld/internal/restapi"
	"github.com/agriha/controld/internal/weatherframe"

	serial "github.com/jacobsa/go-serial/serial"
)

// runner is the shape shared by every long-lived component the
// supervisor starts: block until ctx is cancelled, then return.
type runner interface {
	Run(ctx context.Context) error
}

// Supervisor owns every component's lifetime for one process run.
type Supervisor struct {
	cfg *config.Config

	driver     *relay.Driver
	gate       *gate.Gate
	client     *broker.Client
	watcher    *gpiowatch.Watcher
	restServer *restapi.Controller
	weatherFR  *weatherframe.FrameReader
	weatherF   io.ReadWriteCloser

	runners []runner
	hwReady bool
}

// New loads configuration and constructs every component, but starts
// nothing yet. A non-nil error here is always a startup failure: the
// caller should exit(1).
func New(configPath string) (*Supervisor, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load config: %w", err)
	}

	s := &Supervisor{cfg: cfg}

	driver, err := relay.Open(cfg.I2C.Bus, cfg.I2C.MCP23008Addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open relay driver: %w", err)
	}
	s.driver = driver
	s.hwReady = true

	// cfg.MQTT.Broker is already a full "tcp://host:port" URL; Port exists
	// as a separate documented config key but the URL form is what paho's
	// AddBroker wants, so it alone is passed through.
	client, err := broker.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID, time.Duration(cfg.MQTT.Keepalive)*time.Second)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("supervisor: connect broker: %w", err)
	}
	s.client = client

	s.gate = gate.New(driver, client, cfg.Daemon.HouseID, 0)

	s.watcher = gpiowatch.New(cfg.GPIO.Chip, cfg.GPIO.DILines, func(ev gpiowatch.Event) {
		s.gate.HandleGPIOEvent(gate.Event{
			DIPin:     ev.DIPin,
			Value:     ev.Value,
			Timestamp: ev.Timestamp,
		})
	})

	if cfg.CCM.Enabled {
		s.runners = append(s.runners, activity.NewMulticastActivity(client, cfg.Daemon.HouseID, cfg.CCM.MulticastAddr, cfg.CCM.MulticastPort))
	}

	s.runners = append(s.runners, activity.NewRelayBridge(s.gate, driver, client, client, cfg.Daemon.HouseID))

	var weatherReader *weatherframe.FrameReader
	if f, err := openWeatherPort(cfg.UART.WeatherPort, cfg.UART.WeatherBaud); err != nil {
		logging.Warnf("supervisor: weather serial port unavailable, sensor activity runs without weather frames: %v", err)
	} else {
		s.weatherF = f
		weatherReader = weatherframe.NewFrameReader(f)
		s.weatherFR = weatherReader
	}
	s.runners = append(s.runners, activity.NewSensorActivity(client, cfg.Daemon.HouseID, time.Duration(cfg.Daemon.SensorIntervalSec)*time.Second, cfg.OneWire.Devices, weatherReader))

	s.restServer = restapi.New(s.gate, driver, client, client, cfg.Daemon.HouseID, cfg.RESTAPI.APIKey, func() bool { return s.hwReady })

	return s, nil
}

// openWeatherPort opens the weather station serial line: 8 data bits,
// no parity, one stop bit.
func openWeatherPort(port string, baud int) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:        port,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	return serial.Open(opts)
}

// Run blocks until SIGINT/SIGTERM, then drives a clean shutdown. It
// returns nil on a clean shutdown; callers exit(0). Activity failures
// are logged, never propagated up from Run.
func (s *Supervisor) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.watcher.Start(); err != nil {
			logging.Errorf("supervisor: gpio watcher failed to start: %v", err)
			return
		}
		<-ctx.Done()
		s.watcher.Stop()
	}()

	for _, r := range s.runners {
		wg.Add(1)
		go func(r runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				logging.Errorf("supervisor: activity exited with error: %v", err)
			}
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", s.cfg.RESTAPI.Host, s.cfg.RESTAPI.Port)
		if err := s.restServer.Run(ctx, addr); err != nil {
			logging.Errorf("supervisor: rest server exited with error: %v", err)
		}
	}()

	<-ctx.Done()
	logging.Infof("supervisor: shutdown signal received, waiting for activities to exit")
	wg.Wait()

	s.client.Disconnect(250)
	if err := s.driver.Close(); err != nil {
		logging.Errorf("supervisor: close relay driver: %v", err)
	}
	if s.weatherF != nil {
		s.weatherF.Close()
	}

	logging.Infof("supervisor: clean shutdown complete")
	return nil
}
