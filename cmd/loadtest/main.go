// Command loadtest drives the concrete end-to-end scenarios of section 8
// against a running node: a WAF block, a rate-limit burst, and a graceful
// termination. It is not a throughput benchmark; it is a scripted client
// that asserts the observable behavior each scenario promises and reports
// pass/fail per scenario.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/secbeat/fleet/pkg/mgmtclient"
)

// Config holds the scenarios to run and where to run them against.
type Config struct {
	TargetURL       string
	ManagementURL   string
	ManagementToken string
	Insecure        bool
	Scenarios       string
}

// ScenarioResult is one scenario's outcome, printed at the end of the run.
type ScenarioResult struct {
	Name   string
	Passed bool
	Detail string
}

func main() {
	targetURL := flag.String("target", "https://127.0.0.1:8443", "node HTTPS endpoint to drive traffic against")
	managementURL := flag.String("management", "https://127.0.0.1:9443", "node Management API endpoint")
	managementToken := flag.String("token", "", "Management API bearer token")
	insecure := flag.Bool("insecure", true, "skip TLS certificate verification (self-signed node certs)")
	scenarios := flag.String("scenarios", "waf,ratelimit,terminate", "comma-separated scenario names to run")
	flag.Parse()

	cfg := Config{
		TargetURL:       *targetURL,
		ManagementURL:   *managementURL,
		ManagementToken: *managementToken,
		Insecure:        *insecure,
		Scenarios:       *scenarios,
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("loadtest: starting", "target", cfg.TargetURL, "scenarios", cfg.Scenarios)

	results := run(cfg)
	printResults(results)

	for _, r := range results {
		if !r.Passed {
			os.Exit(1)
		}
	}
}

func run(cfg Config) []ScenarioResult {
	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure}, //nolint:gosec
		},
	}

	var results []ScenarioResult
	for _, name := range splitScenarios(cfg.Scenarios) {
		switch name {
		case "waf":
			results = append(results, wafBlockScenario(httpClient, cfg.TargetURL))
		case "ratelimit":
			results = append(results, rateLimitScenario(httpClient, cfg.TargetURL))
		case "terminate":
			results = append(results, terminateScenario(httpClient, cfg))
		default:
			slog.Warn("loadtest: unknown scenario, skipping", "name", name)
		}
	}
	return results
}

// wafBlockScenario reproduces seed test 2: a path-traversal request must be
// blocked with 403 once a matching rule is installed. This driver assumes
// the rule is already loaded (installing it is an operator/config concern,
// not something this client does over the wire); it only asserts the
// observable response.
func wafBlockScenario(client *http.Client, targetURL string) ScenarioResult {
	req, err := http.NewRequest(http.MethodGet, targetURL+"/../../etc/passwd", nil)
	if err != nil {
		return ScenarioResult{Name: "waf-block", Passed: false, Detail: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return ScenarioResult{Name: "waf-block", Passed: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusForbidden {
		return ScenarioResult{
			Name:   "waf-block",
			Passed: false,
			Detail: fmt.Sprintf("expected 403, got %d", resp.StatusCode),
		}
	}
	return ScenarioResult{Name: "waf-block", Passed: true, Detail: "403 as expected"}
}

// rateLimitScenario reproduces seed test 6: with burst=5, exactly the first
// 5 of 10 rapid requests succeed and the remainder come back 429 with a
// Retry-After header. The client fires all 10 concurrently with no pacing
// of its own — the node's limiter is what's under test.
func rateLimitScenario(client *http.Client, targetURL string) ScenarioResult {
	const requests = 10

	var mu sync.Mutex
	var ok2xx, ok429 int
	var sawRetryAfter bool

	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(targetURL + "/")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case resp.StatusCode < 300:
				ok2xx++
			case resp.StatusCode == http.StatusTooManyRequests:
				ok429++
				if resp.Header.Get("Retry-After") != "" {
					sawRetryAfter = true
				}
			}
		}()
	}
	wg.Wait()

	passed := ok2xx == 5 && ok429 == 5 && sawRetryAfter
	detail := fmt.Sprintf("2xx=%d 429=%d retry_after_present=%v", ok2xx, ok429, sawRetryAfter)
	return ScenarioResult{Name: "rate-limit", Passed: passed, Detail: detail}
}

// terminateScenario reproduces seed test 4: open long-lived requests,
// request graceful termination with a grace period, and assert the in-
// flight requests complete while a fresh connection attempt during the
// drain window is refused.
func terminateScenario(client *http.Client, cfg Config) ScenarioResult {
	mgmt := mgmtclient.New(mgmtclient.Config{
		BaseURL: cfg.ManagementURL,
		Token:   cfg.ManagementToken,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.Insecure}, //nolint:gosec
		},
	})

	const longLived = 3
	var wg sync.WaitGroup
	completed := make([]bool, longLived)
	for i := 0; i < longLived; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := client.Get(cfg.TargetURL + "/slow")
			if err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				completed[idx] = true
			}
		}(i)
	}

	// Let the long-lived requests actually start before draining.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgmt.Terminate(ctx, "loadtest-seed-scenario", 10*time.Second); err != nil {
		return ScenarioResult{Name: "graceful-termination", Passed: false, Detail: "terminate call failed: " + err.Error()}
	}

	time.Sleep(500 * time.Millisecond)
	refusedDuringDrain := false
	if _, err := client.Get(cfg.TargetURL + "/"); err != nil {
		refusedDuringDrain = true
	}

	wg.Wait()
	allCompleted := true
	for _, c := range completed {
		if !c {
			allCompleted = false
		}
	}

	passed := allCompleted && refusedDuringDrain
	detail := fmt.Sprintf("all_in_flight_completed=%v new_connection_refused=%v", allCompleted, refusedDuringDrain)
	return ScenarioResult{Name: "graceful-termination", Passed: passed, Detail: detail}
}

func splitScenarios(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func printResults(results []ScenarioResult) {
	fmt.Println("\n--- loadtest results ---")
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Printf("[%s] %-22s %s\n", status, r.Name, r.Detail)
	}
	fmt.Println("------------------------")
}
