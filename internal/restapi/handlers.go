package restapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agriha/controld/internal/logging"
)

// relaySetRequest is the POST /api/relay/{ch} body.
type relaySetRequest struct {
	Value       int     `json:"value"`
	DurationSec float64 `json:"duration_sec"`
	Reason      string  `json:"reason"`
}

// handleRelaySet validates the request, checks the gate's lockout state,
// and — if clear — republishes the command onto the broker for the
// Broker-to-Relay Bridge to actuate. This handler never drives the relay
// driver directly.
func (c *Controller) handleRelaySet(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(mux.Vars(r)["ch"])
	if err != nil || ch < 1 || ch > 8 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "invalid_argument",
			"message": "ch must be an integer 1..8",
		})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "invalid_argument",
			"message": "unreadable request body",
		})
		return
	}
	var req relaySetRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "invalid_argument",
			"message": "malformed JSON body",
		})
		return
	}
	if req.Value != 0 && req.Value != 1 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "invalid_argument",
			"message": "value must be 0 or 1",
		})
		return
	}

	if c.gate.IsLocked() {
		writeJSON(w, http.StatusLocked, map[string]interface{}{
			"error":         "locked_out",
			"remaining_sec": c.gate.Remaining().Seconds(),
		})
		return
	}

	if c.pub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "mqtt_unavailable",
		})
		return
	}

	topic := fmt.Sprintf("agriha/%s/relay/%d/set", c.house, ch)
	token := c.pub.Publish(topic, 1, false, body)
	if token.Wait() && token.Error() != nil {
		logging.Errorf("restapi: publish relay set ch %d: %v", ch, token.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "mqtt_unavailable",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"ch":     ch,
		"value":  req.Value,
		"queued": true,
	})
}

// handleSensors serves a deep-copied snapshot of the Sensor Cache.
func (c *Controller) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors, updatedAt := c.cache.snapshot()

	var updatedUnix int64
	var ageSec *float64
	if !updatedAt.IsZero() {
		updatedUnix = updatedAt.Unix()
		age := time.Since(updatedAt).Seconds()
		ageSec = &age
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensors":    sensors,
		"updated_at": updatedUnix,
		"age_sec":    ageSec,
	})
}

// handleStatus reports house identity, uptime, lockout state, and a fresh
// physical relay read. An I2C error on that read yields relay_state: null
// with 200, per §4.9.
func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	var relayState map[string]int
	mask, err := c.state.GetMask()
	if err != nil {
		logging.Warnf("restapi: status: relay mask read failed: %v", err)
		relayState = nil
	} else {
		relayState = make(map[string]int, 8)
		for ch := 1; ch <= 8; ch++ {
			bit := byte(1) << uint(8-ch)
			val := 0
			if mask&bit != 0 {
				val = 1
			}
			relayState[fmt.Sprintf("ch%d", ch)] = val
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"house_id":              c.house,
		"uptime_sec":            time.Since(c.startedAt).Seconds(),
		"locked_out":            c.gate.IsLocked(),
		"lockout_remaining_sec": c.gate.Remaining().Seconds(),
		"relay_state":           relayState,
		"ts":                    time.Now(),
	})
}

// handleEmergencyClear unconditionally clears the gate's lockout.
func (c *Controller) handleEmergencyClear(w http.ResponseWriter, r *http.Request) {
	wasLocked := c.gate.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared":       true,
		"was_locked_out": wasLocked,
	})
}

// handleHealthz is a process-liveness probe: it reports up plus whether
// the relay driver opened successfully at boot. There is no database or
// queue to check — this daemon holds no such dependency.
func (c *Controller) handleHealthz(w http.ResponseWriter, r *http.Request) {
	hw := true
	if c.hwReady != nil {
		hw = c.hwReady()
	}
	status := http.StatusOK
	if !hw {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       map[bool]string{true: "ok", false: "degraded"}[hw],
		"hardware_ok":  hw,
		"uptime_sec":   time.Since(c.startedAt).Seconds(),
	})
}
