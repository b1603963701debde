package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type Config struct {
	TargetURL       string
	Sessions        int
	Duration        time.Duration
	PanSteps        int
	Center          string
	Span            float64
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
	KafkaBrokers    string
	KafkaTopic      string
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "featurestream base URL")
	flag.IntVar(&cfg.Sessions, "sessions", 16, "Concurrent map sessions")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.IntVar(&cfg.PanSteps, "pan-steps", 3, "Moving updates sent before each settle")
	flag.StringVar(&cfg.Center, "center", "-111.89,40.76", "lon,lat the sessions pan around")
	flag.Float64Var(&cfg.Span, "span", 0.5, "Viewport width in degrees")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/viewport", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.StringVar(&cfg.KafkaBrokers, "kafka-brokers", "", "Also publish every viewport change to Kafka (comma separated)")
	flag.StringVar(&cfg.KafkaTopic, "kafka-topic", "viewport-changes", "Viewport topic")
	flag.Parse()
	return cfg
}

type viewport struct {
	XMin       float64 `json:"xmin"`
	YMin       float64 `json:"ymin"`
	XMax       float64 `json:"xmax"`
	YMax       float64 `json:"ymax"`
	WKID       int     `json:"wkid"`
	Stationary bool    `json:"stationary"`
}

type kafkaViewport struct {
	Session string `json:"session"`
	viewport
}

func (v viewport) String() string {
	return fmt.Sprintf("%.5f,%.5f,%.5f,%.5f", v.XMin, v.YMin, v.XMax, v.YMax)
}

// pan returns the viewports of one pan: steps moving ones and a final stationary one.
func pan(r *rand.Rand, lon, lat, span float64, steps int) []viewport {
	out := make([]viewport, 0, steps+1)
	x, y := lon+(r.Float64()-0.5)*span, lat+(r.Float64()-0.5)*span
	dx, dy := (r.Float64()-0.5)*span/4, (r.Float64()-0.5)*span/4
	for i := 0; i <= steps; i++ {
		out = append(out, viewport{
			XMin: x - span/2, YMin: y - span/4,
			XMax: x + span/2, YMax: y + span/4,
			WKID:       4326,
			Stationary: i == steps,
		})
		x, y = x+dx, y+dy
	}
	return out
}

type settleResponse struct {
	Layers []struct {
		Layer string `json:"layer"`
		Count int    `json:"count"`
		Error string `json:"error"`
	} `json:"layers"`
}

type sample struct {
	Timestamp time.Time
	Session   string
	Latency   time.Duration
	Status    int
	Features  int
	ErrorMsg  string
	BBox      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	Settles       int64     `json:"settles"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"settles_per_sec"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Sessions      int       `json:"sessions"`
	PanSteps      int       `json:"pan_steps"`
	TargetURL     string    `json:"target"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	latMs   []float64
}

func main() {
	cfg := loadConfig()
	lon, lat, err := parseCenter(cfg.Center)
	if err != nil {
		log.Fatalf("center: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	var producer sarama.SyncProducer
	if brokers := splitCSV(cfg.KafkaBrokers); len(brokers) > 0 {
		kcfg := sarama.NewConfig()
		kcfg.Producer.Return.Successes = true
		kcfg.Version = sarama.V3_6_0_0
		producer, err = sarama.NewSyncProducer(brokers, kcfg)
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		defer func() { _ = producer.Close() }()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Printf("open csv: %v", err)
		return
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 1024)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "session", "latency_ms", "status", "features", "error", "bbox"})
		var agg aggregatedResult
		for s := range samplesChan {
			agg.total++
			if s.ErrorMsg == "" {
				agg.success++
				agg.latMs = append(agg.latMs, float64(s.Latency.Microseconds())/1000.0)
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				s.Session,
				fmt.Sprintf("%.3f", float64(s.Latency.Microseconds())/1000.0),
				fmt.Sprintf("%d", s.Status),
				fmt.Sprintf("%d", s.Features),
				s.ErrorMsg,
				s.BBox,
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	seed := time.Now().UnixNano()
	startTime := time.Now()
	log.Printf("viewport-loadgen start target=%s dur=%s sessions=%d pan-steps=%d center=%s kafka=%t",
		cfg.TargetURL, cfg.Duration, cfg.Sessions, cfg.PanSteps, cfg.Center, producer != nil)

	base := strings.TrimRight(cfg.TargetURL, "/")
	var wg sync.WaitGroup
	wg.Add(cfg.Sessions)
	for i := range cfg.Sessions {
		go func(id int) {
			defer wg.Done()
			session := fmt.Sprintf("loadgen-%d", id)
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			endpoint := base + "/sessions/" + session + "/viewport"
			for ctx.Err() == nil {
				views := pan(r, lon, lat, cfg.Span, cfg.PanSteps)
				for _, v := range views[:len(views)-1] {
					if _, _, err := put(ctx, httpClient, endpoint, v, false); err != nil && ctx.Err() == nil {
						log.Printf("session=%s moving update: %v", session, err)
					}
					publish(producer, cfg.KafkaTopic, session, v)
				}

				last := views[len(views)-1]
				publish(producer, cfg.KafkaTopic, session, last)
				start := time.Now()
				status, resp, err := put(ctx, httpClient, endpoint, last, true)
				if ctx.Err() != nil {
					return
				}
				s := sample{Timestamp: start, Session: session, Latency: time.Since(start), Status: status, BBox: last.String()}
				if err != nil {
					s.ErrorMsg = err.Error()
				} else {
					for _, l := range resp.Layers {
						s.Features += l.Count
						if l.Error != "" && s.ErrorMsg == "" {
							s.ErrorMsg = l.Layer + ": " + l.Error
						}
					}
				}
				select {
				case samplesChan <- s:
				case <-ctx.Done():
					return
				}
			}
		}(i)
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	p50 := percentile(agg.latMs, 50)
	p95 := percentile(agg.latMs, 95)
	p99 := percentile(agg.latMs, 99)

	runSummary := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		Settles:       agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: rate(agg.total, elapsed),
		P50Ms:         p50,
		P95Ms:         p95,
		P99Ms:         p99,
		Sessions:      cfg.Sessions,
		PanSteps:      cfg.PanSteps,
		TargetURL:     cfg.TargetURL,
	}
	if err := writeSummary(jsonPath, runSummary); err != nil {
		log.Printf("write summary: %v", err)
	}

	log.Printf("done: settles=%d succ=%d err=%d thr=%.2f/s p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.errors, runSummary.ThroughputRPS, p50, p95, p99)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func put(ctx context.Context, c *http.Client, endpoint string, v viewport, wait bool) (int, settleResponse, error) {
	var out settleResponse
	body, err := json.Marshal(v)
	if err != nil {
		return 0, out, err
	}
	u := endpoint
	if wait {
		u += "?wait=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return 0, out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return 0, out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, out, fmt.Errorf("status=%d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if wait {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return resp.StatusCode, out, fmt.Errorf("decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, out, nil
}

func publish(p sarama.SyncProducer, topic, session string, v viewport) {
	if p == nil {
		return
	}
	b, err := json.Marshal(kafkaViewport{Session: session, viewport: v})
	if err != nil {
		return
	}
	if _, _, err := p.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(session),
		Value: sarama.ByteEncoder(b),
	}); err != nil {
		log.Printf("kafka send session=%s: %v", session, err)
	}
}

func parseCenter(s string) (float64, float64, error) {
	var lon, lat float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g,%g", &lon, &lat); err != nil {
		return 0, 0, fmt.Errorf("want lon,lat: %w", err)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("out of range: %s", s)
	}
	return lon, lat, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func rate(n int, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(n) / seconds
}

func writeSummary(path string, s summary) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}

func percentile(sortedValues []float64, p float64) float64 {
	// JSON has no NaN
	if len(sortedValues) == 0 {
		return 0
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
