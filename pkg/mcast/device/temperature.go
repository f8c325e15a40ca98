// Package device implements a simulated sensor overlay: it originates
// TEMPERATURE readings on an interval and logs whatever the group
// causally delivers to it. Grounded on destinator/device.py and
// destinator/run.py.
package device

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/core"
	"github.com/jabolina/groupcast/pkg/mcast/types"
)

// Reading is the TEMPERATURE payload's JSON shape.
type Reading struct {
	Celsius   float64   `json:"celsius"`
	Timestamp time.Time `json:"timestamp"`
}

// TemperatureDevice periodically originates a Reading and reports every
// delivered Reading through its Log.
type TemperatureDevice struct {
	peer     *core.Peer
	interval time.Duration
	log      types.Logger
	rng      *rand.Rand

	stop chan struct{}
	done chan struct{}
}

// NewTemperatureDevice wraps peer with a periodic sensor loop.
func NewTemperatureDevice(peer *core.Peer, interval time.Duration, log types.Logger) *TemperatureDevice {
	return &TemperatureDevice{
		peer:     peer,
		interval: interval,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins origination and delivery-logging loops on their own
// goroutines. Call Stop to halt both and release the underlying peer.
func (d *TemperatureDevice) Start() {
	go d.originate()
	go d.logDeliveries()
}

func (d *TemperatureDevice) originate() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			reading := Reading{Celsius: d.sample(), Timestamp: time.Now()}
			if err := d.peer.Send(types.Temperature, reading); err != nil {
				d.log.Warnf("failed sending temperature reading: %v", err)
			}
		}
	}
}

// sample produces a plausible room-temperature reading with Gaussian
// jitter, grounded on destinator/device.py's random.uniform sampling.
func (d *TemperatureDevice) sample() float64 {
	return 21.0 + d.rng.NormFloat64()*1.5
}

func (d *TemperatureDevice) logDeliveries() {
	defer close(d.done)
	for holder := range d.peer.DeliverChannel() {
		if holder.Type != types.Temperature {
			d.log.Debugf("delivered non-temperature payload of type %s", holder.Type)
			continue
		}
		var reading Reading
		if err := json.Unmarshal(holder.Content, &reading); err != nil {
			d.log.Warnf("failed decoding delivered reading: %v", err)
			continue
		}
		d.log.Infof("delivered reading from process %d: %.2fC at %s", holder.Vector.ProcessID, reading.Celsius, reading.Timestamp.Format(time.RFC3339))
	}
}

// Stop halts the origination loop and the underlying peer, then waits for
// the delivery-logging loop to drain.
func (d *TemperatureDevice) Stop() {
	close(d.stop)
	d.peer.Stop()
	<-d.done
}
