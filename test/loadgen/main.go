// Package main is a synthetic load generator for soak-testing the
// delivery-control daemon: it replays sensor-like waveforms against the
// ingest API and churns attention registrations so every control loop
// has something to react to.
//
// Usage:
//
//	go run ./test/loadgen -target http://localhost:8080 -sensors 8 -rate 25
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var (
	target   = flag.String("target", "http://localhost:8080", "base URL of the daemon")
	sensors  = flag.Int("sensors", 4, "number of synthetic sensors")
	rate     = flag.Int("rate", 10, "measurements per second per channel")
	viewers  = flag.Int("viewers", 6, "simulated viewers churning attention")
	spikePct = flag.Float64("spike", 0.002, "probability a sample is a large outlier")
)

// channel kinds with waveform shape parameters loosely modeled on
// biosignals: base value, amplitude, period.
var channels = []struct {
	id     string
	base   float64
	amp    float64
	period time.Duration
}{
	{"ecg", 0.0, 1.2, 800 * time.Millisecond},
	{"ppg", 0.5, 0.4, time.Second},
	{"rsp", 0.0, 0.8, 4 * time.Second},
	{"eda", 2.0, 0.3, 20 * time.Second},
	{"emg", 0.1, 0.5, 300 * time.Millisecond},
	{"heartrate", 72, 6, 30 * time.Second},
}

type measurement struct {
	ChannelID string  `json:"channel_id"`
	Payload   float64 `json:"payload"`
	Timestamp int64   `json:"timestamp"`
}

func postJSON(client *http.Client, path string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(*target+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: http %d", path, resp.StatusCode)
	}
	return nil
}

// runSensor streams one sensor's channels as pre-batched
// measurements_batch posts.
func runSensor(client *http.Client, sourceID string, stop <-chan struct{}) {
	interval := time.Second / time.Duration(*rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	batch := make([]measurement, 0, len(channels))
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			batch = batch[:0]
			elapsed := now.Sub(start)
			for _, ch := range channels {
				phase := float64(elapsed) / float64(ch.period) * 2 * math.Pi
				value := ch.base + ch.amp*math.Sin(phase) + rand.NormFloat64()*ch.amp*0.05
				if rand.Float64() < *spikePct {
					value += ch.amp * 12 // force a novelty event
				}
				batch = append(batch, measurement{
					ChannelID: ch.id,
					Payload:   value,
					Timestamp: now.UnixMilli(),
				})
			}
			err := postJSON(client, "/api/measurements", map[string]any{
				"source_id":    sourceID,
				"measurements": batch,
			})
			if err != nil {
				log.Printf("sensor %s: %v", sourceID, err)
			}
		}
	}
}

// runViewer churns one simulated viewer: periodically re-targets a
// random sensor, sometimes focusing, sometimes pinning, occasionally
// reporting a low battery.
func runViewer(client *http.Client, userID string, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(3+rand.Intn(5)) * time.Second)
	defer ticker.Stop()

	current := ""
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if current != "" {
				_ = postJSON(client, "/api/attention/"+current+"/view",
					map[string]any{"user_id": userID, "channel_id": "ecg", "action": "unregister"})
			}
			current = fmt.Sprintf("sensor-%d", rand.Intn(*sensors))
			_ = postJSON(client, "/api/attention/"+current+"/view",
				map[string]any{"user_id": userID, "channel_id": "ecg"})
			switch rand.Intn(10) {
			case 0:
				_ = postJSON(client, "/api/attention/"+current+"/focus",
					map[string]any{"user_id": userID, "channel_id": "ecg"})
			case 1:
				_ = postJSON(client, "/api/attention/"+current+"/pin",
					map[string]any{"user_id": userID})
			case 2:
				_ = postJSON(client, "/api/attention/battery", map[string]any{
					"user_id":        userID,
					"state":          "low",
					"reported_level": rand.Float64() * 0.3,
				})
			}
		}
	}
}

func main() {
	flag.Parse()
	client := &http.Client{Timeout: 5 * time.Second}
	stop := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < *sensors; i++ {
		wg.Add(1)
		sourceID := fmt.Sprintf("sensor-%d", i)
		go func() {
			defer wg.Done()
			runSensor(client, sourceID, stop)
		}()
	}
	for i := 0; i < *viewers; i++ {
		wg.Add(1)
		userID := fmt.Sprintf("viewer-%d", i)
		go func() {
			defer wg.Done()
			runViewer(client, userID, stop)
		}()
	}
	log.Printf("loadgen running against %s: %d sensors x %d ch @ %d/s, %d viewers",
		*target, *sensors, len(channels), *rate, *viewers)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
	close(stop)
	wg.Wait()
}
