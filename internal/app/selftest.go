package app

import (
	"sort"

	"github.com/phoenixdesk/phoenix/internal/governance"
	"github.com/phoenixdesk/phoenix/internal/halt"
)

// haltLatencyTargetMS is the local halt latency the probe holds the kernel to
// at the 99th percentile.
const haltLatencyTargetMS = 50.0

// HaltProbeReport summarizes the halt latency probe.
type HaltProbeReport struct {
	Trials       int     `json:"trials"`
	P50MS        float64 `json:"p50_ms"`
	P99MS        float64 `json:"p99_ms"`
	MaxMS        float64 `json:"max_ms"`
	WithinTarget bool    `json:"within_target"`
}

// SelfTestReport is the outcome of a full kernel self-test.
type SelfTestReport struct {
	Modules   map[string][]governance.SelfCheckResult `json:"modules"`
	HaltProbe HaltProbeReport                         `json:"halt_probe"`
	Passed    bool                                    `json:"passed"`
}

// SelfTest reruns every module's invariant checks and probes the local halt
// latency over the given number of trials on a scratch manager, off the live
// mesh.
func (k *Kernel) SelfTest(trials int) SelfTestReport {
	report := SelfTestReport{
		Modules: make(map[string][]governance.SelfCheckResult),
		Passed:  true,
	}

	for _, m := range []interface {
		ModuleID() string
		SelfCheck() []governance.SelfCheckResult
	}{k.executor, k.intake, k.watcher} {
		results := m.SelfCheck()
		report.Modules[m.ModuleID()] = results
		for _, r := range results {
			if !r.Passed {
				report.Passed = false
			}
		}
	}

	report.HaltProbe = probeHaltLatency(trials)
	if !report.HaltProbe.WithinTarget {
		report.Passed = false
	}
	return report
}

func probeHaltLatency(trials int) HaltProbeReport {
	if trials < 1 {
		trials = 1000
	}
	probe := halt.NewManager("selftest_probe")

	latencies := make([]float64, 0, trials)
	for i := 0; i < trials; i++ {
		res := probe.RequestHalt("latency probe")
		latencies = append(latencies, res.LatencyMS)
		probe.ClearHalt()
	}
	sort.Float64s(latencies)

	report := HaltProbeReport{
		Trials: trials,
		P50MS:  latencies[trials/2],
		P99MS:  latencies[(trials*99)/100],
		MaxMS:  latencies[trials-1],
	}
	report.WithinTarget = report.P99MS < haltLatencyTargetMS
	return report
}
