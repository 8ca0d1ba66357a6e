package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/jack-michaud/ephemeral-environments/internal/metrics"
)

// phaseLog times the named steps of a deploy, in order, for metrics and the
// timing breakdown posted to the pull request.
type phaseLog struct {
	metrics *metrics.Set
	steps   []phaseStep
}

type phaseStep struct {
	name     string
	duration time.Duration
}

func newPhaseLog(m *metrics.Set) *phaseLog {
	return &phaseLog{metrics: m}
}

func (p *phaseLog) run(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	d := time.Since(start)
	p.steps = append(p.steps, phaseStep{name: name, duration: d})
	if p.metrics != nil {
		p.metrics.ObservePhase(name, d)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// deployComment renders the markdown comment posted after a successful
// deploy: the public URL plus a per-phase timing table.
func deployComment(url, sha string, total time.Duration, phases *phaseLog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 Environment deployed for `%s`\n\n", shortSHA(sha))
	fmt.Fprintf(&b, "**Preview:** %s\n\n", url)
	b.WriteString("| Phase | Duration |\n|---|---|\n")
	for _, step := range phases.steps {
		fmt.Fprintf(&b, "| %s | %s |\n", step.name, step.duration.Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "| **total** | **%s** |\n", total.Round(time.Millisecond))
	return b.String()
}
