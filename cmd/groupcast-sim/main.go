// Command groupcast-sim spins up a handful of groupcast peers inside a
// single process, communicating over real UDP multicast, and logs every
// reading they deliver to each other. Grounded on destinator/run.py, which
// spawns several simulated devices and lets them discover and broadcast
// among themselves.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/core"
	"github.com/jabolina/groupcast/pkg/mcast/definition"
	"github.com/jabolina/groupcast/pkg/mcast/device"
	"github.com/jabolina/groupcast/pkg/mcast/helper"
	"github.com/jabolina/groupcast/pkg/mcast/metrics"
	"github.com/jabolina/groupcast/pkg/mcast/types"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	peerCount := flag.Int("peers", 3, "number of simulated peers to spawn")
	crashInterval := flag.Duration("crash-interval", 0, "if > 0, periodically stop and rejoin one random non-leader peer")
	duration := flag.Duration("duration", 0, "how long to run before exiting; 0 runs until interrupted")
	sampleInterval := flag.Duration("sample-interval", 3*time.Second, "how often each peer originates a TEMPERATURE reading")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := definition.NewDefaultLogger()
	log.ToggleDebug(*debug)

	if *peerCount < 1 {
		fmt.Fprintln(os.Stderr, "groupcast-sim: -peers must be >= 1")
		os.Exit(1)
	}

	sim := newSimulation(*peerCount, *sampleInterval, log)
	sim.startAll()

	if *crashInterval > 0 && *peerCount > 1 {
		go sim.churn(*crashInterval)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	} else {
		<-ctx.Done()
	}

	log.Infof("shutting down %d peers", *peerCount)
	sim.stopAll()
}

// simulation owns the fixed set of peer slots and lets churn restart any
// non-leader slot independently of the others.
type simulation struct {
	mutex    sync.Mutex
	devices  []*device.TemperatureDevice
	interval time.Duration
	log      types.Logger
}

func newSimulation(count int, interval time.Duration, log types.Logger) *simulation {
	return &simulation{
		devices:  make([]*device.TemperatureDevice, count),
		interval: interval,
		log:      log,
	}
}

func (s *simulation) startAll() {
	for i := range s.devices {
		s.spawn(i)
	}
}

// spawn creates and starts the peer and device for slot i. Slot 0 always
// bootstraps as leader; every other slot discovers it.
func (s *simulation) spawn(i int) {
	configuration := types.DefaultConfiguration(fmt.Sprintf("peer-%d", i))
	configuration.Identifier = helper.Identifier()
	configuration.Logger = s.log
	configuration.Leader = i == 0

	recorder := metrics.NewPrometheusRecorder(prometheus.NewRegistry(), configuration.Name)

	peer, err := core.NewPeer(configuration, recorder)
	if err != nil {
		s.log.Fatalf("failed starting %s: %v", configuration.Name, err)
	}

	d := device.NewTemperatureDevice(peer, s.interval, s.log)
	d.Start()

	s.mutex.Lock()
	s.devices[i] = d
	s.mutex.Unlock()
}

func (s *simulation) stopAll() {
	s.mutex.Lock()
	devices := make([]*device.TemperatureDevice, len(s.devices))
	copy(devices, s.devices)
	s.mutex.Unlock()

	for _, d := range devices {
		if d != nil {
			d.Stop()
		}
	}
}

// churn periodically stops one random non-leader slot and respawns it
// after a short pause, exercising discovery and the bully protocol's
// response to a peer disappearing and reappearing. Grounded on
// destinator/run.py's random peer churn.
func (s *simulation) churn(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for range ticker.C {
		s.mutex.Lock()
		n := len(s.devices)
		s.mutex.Unlock()
		if n <= 1 {
			continue
		}

		victim := 1 + rng.Intn(n-1)

		s.mutex.Lock()
		d := s.devices[victim]
		s.devices[victim] = nil
		s.mutex.Unlock()

		if d == nil {
			continue
		}

		s.log.Infof("simulated crash: stopping peer-%d", victim)
		d.Stop()

		time.AfterFunc(interval/2, func() {
			s.log.Infof("simulated rejoin: restarting peer-%d", victim)
			s.spawn(victim)
		})
	}
}
