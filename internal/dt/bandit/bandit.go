// Package bandit implements a UCB1 multi-armed bandit FormatChooser: it
// learns which evaluation format performs best for a given (node class,
// architecture) bucket instead of always picking the first allowed/
// supported format, adapted from the fabric's ML-driven node scheduler.
package bandit

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fabricdt/dt/internal/domain"
)

// Config tunes exploration vs exploitation.
type Config struct {
	// ExplorationFactor is UCB1's C term. Higher explores more.
	ExplorationFactor float64
	// MinObservations is how many pulls an arm needs before its mean is
	// trusted; below this it always gets the maximum exploration bonus.
	MinObservations int
	// Now is an injectable clock for tests.
	Now func() time.Time
}

// DefaultConfig mirrors the fabric's ML scheduler defaults.
func DefaultConfig() Config {
	return Config{ExplorationFactor: 1.5, MinObservations: 3, Now: time.Now}
}

type armStats struct {
	pulls int
	mean  float64
	m2    float64
}

func (a *armStats) update(reward float64) {
	a.pulls++
	delta := reward - a.mean
	a.mean += delta / float64(a.pulls)
	delta2 := reward - a.mean
	a.m2 += delta * delta2
}

func (a *armStats) variance() float64 {
	if a.pulls < 2 {
		return 0
	}
	return a.m2 / float64(a.pulls-1)
}

// Chooser is a UCB1-driven domain.FormatChooser. Arms are keyed by
// (node class, node arch, format) so the bandit learns format preference
// per hardware tier rather than per individual node name.
type Chooser struct {
	mu    sync.RWMutex
	cfg   Config
	arms  map[string]*armStats
	total int
}

// New builds a Chooser.
func New(cfg Config) *Chooser {
	if cfg.ExplorationFactor <= 0 {
		cfg.ExplorationFactor = 1.5
	}
	if cfg.MinObservations <= 0 {
		cfg.MinObservations = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Chooser{cfg: cfg, arms: make(map[string]*armStats)}
}

func armKey(class, arch, format string) string {
	return class + ":" + arch + ":" + format
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// candidateFormats returns the formats a (stage, node) pair may legally
// run under: node-supported, allowed (if the stage constrains it), and
// not explicitly disallowed.
func candidateFormats(stage domain.Stage, node domain.Node) []string {
	var out []string
	for _, f := range node.FormatsSupported {
		if contains(stage.DisallowedFormats, f) {
			continue
		}
		if len(stage.AllowedFormats) > 0 && !contains(stage.AllowedFormats, f) {
			continue
		}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// ucb1Score computes the Upper Confidence Bound for an arm; an arm with
// zero pulls or a cold-start bandit (no pulls anywhere yet) returns +Inf
// so it is always tried first.
func (c *Chooser) ucb1Score(arm *armStats) float64 {
	if arm == nil || arm.pulls == 0 || c.total == 0 {
		return math.Inf(1)
	}
	exploitation := arm.mean
	exploration := c.cfg.ExplorationFactor * math.Sqrt(math.Log(float64(c.total))/float64(arm.pulls))
	return exploitation + exploration
}

// ChooseFormat implements domain.FormatChooser. It returns nil (no
// override) when no candidate format exists, and the sole candidate
// directly when there is exactly one — the bandit arms are only consulted
// when there is an actual choice.
func (c *Chooser) ChooseFormat(stage domain.Stage, node domain.Node) *string {
	candidates := candidateFormats(stage, node)
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return &candidates[0]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	bestIdx := 0
	bestScore := math.Inf(-1)
	for i, format := range candidates {
		key := armKey(node.Class, node.Arch, format)
		arm := c.arms[key]
		var score float64
		if arm == nil || arm.pulls < c.cfg.MinObservations {
			score = math.Inf(1)
		} else {
			score = c.ucb1Score(arm)
		}
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	return &candidates[bestIdx]
}

// Observe records the outcome of running a stage on node under format:
// actualMs against an expectedMs baseline (e.g. the cost model's
// pre-assignment estimate). reward is 1 when actual <= expected and decays
// toward 0 as actual overshoots expected by 2x or more.
func (c *Chooser) Observe(node domain.Node, format string, actualMs, expectedMs float64) {
	reward := 1.0
	if expectedMs > 0 && actualMs > expectedMs {
		overshoot := (actualMs - expectedMs) / expectedMs
		reward = math.Max(0, 1-math.Min(overshoot, 1))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := armKey(node.Class, node.Arch, format)
	arm := c.arms[key]
	if arm == nil {
		arm = &armStats{}
		c.arms[key] = arm
	}
	arm.update(reward)
	c.total++
}

// ArmStats reports the current (pulls, mean, variance) for a
// (class, arch, format) arm, for observability/testing.
func (c *Chooser) ArmStats(class, arch, format string) (pulls int, mean, variance float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	arm := c.arms[armKey(class, arch, format)]
	if arm == nil {
		return 0, 0, 0
	}
	return arm.pulls, arm.mean, arm.variance()
}
