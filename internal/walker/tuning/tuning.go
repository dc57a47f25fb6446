package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"blockwalker.ai/internal/walker/model"
)

type Walker struct {
	Region RegionYAML `yaml:"region"`

	MaxDrop            int `yaml:"max_drop"`
	IterationCap       int `yaml:"iteration_cap"`
	InterTargetDelayMs int `yaml:"inter_target_delay_ms"`
	PerStepTimeoutMs   int `yaml:"per_step_timeout_ms"`
	StepDelayMs        int `yaml:"step_delay_ms"`

	// Squared (default) or euclidean step cost for the planner.
	StepCost string `yaml:"step_cost"`

	StartToken   string `yaml:"start_token"`
	StopToken    string `yaml:"stop_token"`
	NoticePrefix string `yaml:"notice_prefix"`
}

type RegionYAML struct {
	Min [3]int `yaml:"min"`
	Max [3]int `yaml:"max"`
}

func (r RegionYAML) Region() model.Region {
	return model.NewRegion(
		model.Vec3i{X: r.Min[0], Y: r.Min[1], Z: r.Min[2]},
		model.Vec3i{X: r.Max[0], Y: r.Max[1], Z: r.Max[2]},
	)
}

// Defaults reproduces the cube the walker was first built for.
func Defaults() Walker {
	return Walker{
		Region: RegionYAML{
			Min: [3]int{13, 29, -166},
			Max: [3]int{33, 41, -146},
		},
		MaxDrop:            3,
		IterationCap:       20000,
		InterTargetDelayMs: 300,
		PerStepTimeoutMs:   2000,
		StepDelayMs:        150,
		StepCost:           "squared",
		StartToken:         ".start",
		StopToken:          ".stop",
		NoticePrefix:       "[BlockWalker]",
	}
}

func (w *Walker) applyDefaults() {
	d := Defaults()
	if w.StepCost == "" {
		w.StepCost = d.StepCost
	}
	if strings.TrimSpace(w.StartToken) == "" {
		w.StartToken = d.StartToken
	}
}

func (w Walker) Validate() error {
	var errs []error
	if w.MaxDrop < 1 {
		errs = append(errs, fmt.Errorf("max_drop must be >= 1, got %d", w.MaxDrop))
	}
	if w.IterationCap < 1 {
		errs = append(errs, fmt.Errorf("iteration_cap must be >= 1, got %d", w.IterationCap))
	}
	if w.InterTargetDelayMs < 0 {
		errs = append(errs, fmt.Errorf("inter_target_delay_ms must be >= 0, got %d", w.InterTargetDelayMs))
	}
	if w.PerStepTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("per_step_timeout_ms must be >= 0, got %d", w.PerStepTimeoutMs))
	}
	if w.StepDelayMs < 0 {
		errs = append(errs, fmt.Errorf("step_delay_ms must be >= 0, got %d", w.StepDelayMs))
	}
	switch w.StepCost {
	case "squared", "euclidean":
	default:
		errs = append(errs, fmt.Errorf("step_cost must be squared or euclidean, got %q", w.StepCost))
	}
	if strings.TrimSpace(w.StartToken) == strings.TrimSpace(w.StopToken) {
		errs = append(errs, fmt.Errorf("start_token and stop_token must differ"))
	}
	return errors.Join(errs...)
}

func (w Walker) InterTargetDelay() time.Duration {
	return time.Duration(w.InterTargetDelayMs) * time.Millisecond
}

func (w Walker) PerStepTimeout() time.Duration {
	return time.Duration(w.PerStepTimeoutMs) * time.Millisecond
}

func (w Walker) StepDelay() time.Duration {
	return time.Duration(w.StepDelayMs) * time.Millisecond
}

func Load(path string) (Walker, error) {
	var w Walker
	raw, err := os.ReadFile(path)
	if err != nil {
		return w, err
	}
	return Parse(raw)
}

// Parse decodes over Defaults, so fields the file leaves out keep their default values.
func Parse(raw []byte) (Walker, error) {
	w := Defaults()
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return w, fmt.Errorf("walker.yaml: %w", err)
	}
	w.applyDefaults()
	if err := w.Validate(); err != nil {
		return w, fmt.Errorf("walker.yaml: %w", err)
	}
	return w, nil
}
