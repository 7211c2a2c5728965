package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type loadMode string

const (
	modeSetup       loadMode = "setup"
	modeSetupGet    loadMode = "setup-get"
	modeSetupUpdate loadMode = "setup-update"
)

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()

	client := &http.Client{Timeout: cfg.timeout}
	failures := runWorkers(client, cfg, runID, col)

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}

	printReport(result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runWorkers гоняет сценарии через пул из cfg.concurrency воркеров и
// возвращает число упавших сценариев.
func runWorkers(client *http.Client, cfg config, runID string, col *collector) int64 {
	jobs := make(chan int, cfg.concurrency*2)

	var (
		failures int64
		wg       sync.WaitGroup
	)
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(client, cfg, id, runID, col); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	return failures
}

// dispatchJobs нумерует сценарии и закрывает канал по достижении total
// либо по истечении duration.
func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-deadline.C:
			return
		case jobs <- i:
		}
	}
}

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	updateRate  int
	offering    string
	interval    string
	uidTag      string
	outputPath  string
}

func parseConfig() (config, error) {
	var (
		cfg           config
		modeValue     string
		timeoutValue  string
		durationValue string
	)

	flag.StringVar(&cfg.baseURL, "addr", "http://localhost:8080", "cart API base URL")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.StringVar(&durationValue, "duration", "0s", "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	flag.StringVar(&timeoutValue, "timeout", "5s", "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeSetup), "load mode: setup | setup-get | setup-update")
	flag.IntVar(&cfg.updateRate, "update-rate", 0, "update probability in percent for setup-get mode (0..100)")
	flag.StringVar(&cfg.offering, "offering", "vpn", "offering config id for created carts")
	flag.StringVar(&cfg.interval, "interval", "monthly", "billing interval for created carts")
	flag.StringVar(&cfg.uidTag, "uid-tag", "load", "uid prefix for created carts")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	var err error
	if cfg.timeout, err = time.ParseDuration(strings.TrimSpace(timeoutValue)); err != nil {
		return cfg, fmt.Errorf("parse timeout: %w", err)
	}
	if cfg.duration, err = time.ParseDuration(strings.TrimSpace(durationValue)); err != nil {
		return cfg, fmt.Errorf("parse duration: %w", err)
	}
	if cfg.mode, err = parseMode(modeValue); err != nil {
		return cfg, err
	}

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch {
	case c.duration < 0:
		return errors.New("duration must be >= 0")
	case c.duration == 0 && c.total <= 0:
		return errors.New("total must be > 0 when duration is not set")
	case c.duration > 0 && c.totalSet && c.total <= 0:
		return errors.New("total must be > 0 when explicitly set with duration")
	case c.concurrency <= 0:
		return errors.New("concurrency must be > 0")
	case c.timeout <= 0:
		return errors.New("timeout must be > 0")
	case c.updateRate < 0 || c.updateRate > 100:
		return errors.New("update-rate must be between 0 and 100")
	case strings.TrimSpace(c.offering) == "":
		return errors.New("offering is required")
	case strings.TrimSpace(c.interval) == "":
		return errors.New("interval is required")
	case strings.TrimSpace(c.uidTag) == "":
		return errors.New("uid-tag is required")
	}

	if !strings.HasPrefix(c.baseURL, "http://") && !strings.HasPrefix(c.baseURL, "https://") {
		return fmt.Errorf("addr must be an http(s) URL: %s", c.baseURL)
	}
	return nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeSetup, modeSetupGet, modeSetupUpdate:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

type cartResponse struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Version int64  `json:"version"`
}

// runScenario прогоняет одну цепочку setup -> get -> update в зависимости
// от режима. Результат сценария пишется в collector под именем "scenario".
func runScenario(client *http.Client, cfg config, index int, runID string, col *collector) error {
	scenarioStart := time.Now()
	scenarioOK := true
	defer func() {
		col.record("scenario", time.Since(scenarioStart), boolStatus(scenarioOK), scenarioOK)
	}()

	fail := func(err error) error {
		scenarioOK = false
		return err
	}

	uid := fmt.Sprintf("%s-%s-%d", cfg.uidTag, runID, index)
	cart, err := callSetupCart(client, cfg, uid, col)
	if err != nil {
		return fail(err)
	}
	if cart.ID == "" {
		return fail(errors.New("setup response returned empty cart id"))
	}

	if cfg.mode == modeSetup {
		return nil
	}

	if err := callGetCart(client, cfg, cart.ID, col); err != nil {
		return fail(err)
	}

	if cfg.mode == modeSetupUpdate || (cfg.mode == modeSetupGet && shouldUpdateScenario(index, cfg.updateRate)) {
		if err := callUpdateCart(client, cfg, cart, uid, col); err != nil {
			return fail(err)
		}
	}

	return nil
}

func callSetupCart(client *http.Client, cfg config, uid string, col *collector) (cartResponse, error) {
	body := map[string]any{
		"uid":                uid,
		"email":              uid + "@example.com",
		"offering_config_id": cfg.offering,
		"interval":           cfg.interval,
	}

	var cart cartResponse
	err := callJSON(client, http.MethodPost, cfg.baseURL+"/v1/carts", body, http.StatusCreated, &cart, "SetupCart", col)
	return cart, err
}

func callGetCart(client *http.Client, cfg config, cartID string, col *collector) error {
	return callJSON(client, http.MethodGet, cfg.baseURL+"/v1/carts/"+cartID, nil, http.StatusOK, nil, "GetCart", col)
}

func callUpdateCart(client *http.Client, cfg config, cart cartResponse, uid string, col *collector) error {
	body := map[string]any{
		"version": cart.Version,
		"email":   uid + "+updated@example.com",
	}
	return callJSON(client, http.MethodPatch, cfg.baseURL+"/v1/carts/"+cart.ID, body, http.StatusOK, nil, "UpdateCart", col)
}

func callJSON(
	client *http.Client,
	method, url string,
	body any,
	wantStatus int,
	out any,
	name string,
	col *collector,
) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		col.record(name, latency, "error", false)
		return err
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == wantStatus
	col.record(name, latency, fmt.Sprintf("%d", resp.StatusCode), ok)
	if !ok {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: unexpected status %d", name, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", name, err)
		}
		return nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

func shouldUpdateScenario(index, updateRate int) bool {
	if updateRate <= 0 {
		return false
	}
	if updateRate >= 100 {
		return true
	}
	return index%100 < updateRate
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Calls             map[string]callReport `json:"calls"`
}

type callStats struct {
	calls     int64
	success   int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

func (s *callStats) snapshot() callReport {
	statuses := make(map[string]int64, len(s.statuses))
	for status, count := range s.statuses {
		statuses[status] = count
	}

	return callReport{
		Calls:     s.calls,
		Success:   s.success,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, s.calls),
		Statuses:  statuses,
		LatencyMs: buildLatencySummary(s.latencies),
	}
}

type collector struct {
	mu    sync.Mutex
	calls map[string]*callStats
}

func newCollector() *collector {
	return &collector{
		calls: make(map[string]*callStats),
	}
}

// record учитывает вызов; ok определяет успех, status — ключ для разбивки
// ("201", "409", "error" для транспортных ошибок).
func (c *collector) record(name string, latency time.Duration, status string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.statsLocked(name)
	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.statuses[status]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) statsLocked(name string) *callStats {
	stats, found := c.calls[name]
	if !found {
		stats = &callStats{statuses: make(map[string]int64)}
		c.calls[name] = stats
	}
	return stats
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Calls:           make(map[string]callReport, len(c.calls)),
	}
	for name, stats := range c.calls {
		result.Calls[name] = stats.snapshot()
	}

	if scenario, ok := result.Calls["scenario"]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	return result
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(result report, cfg config) {
	fmt.Println("Load test summary")
	fmt.Printf("mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode, runTarget(cfg),
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios, result.ErrorRate)
	fmt.Printf("duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	s := result.ScenarioLatencyMs
	fmt.Printf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		s.Min, s.Avg, s.P50, s.P95, s.P99, s.Max)

	names := make([]string, 0, len(result.Calls))
	for name := range result.Calls {
		if name != "scenario" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		stats := result.Calls[name]
		fmt.Printf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile интерполирует значение между соседними точками отсортированной
// выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
