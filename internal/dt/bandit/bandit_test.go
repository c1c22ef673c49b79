package bandit

import (
	"testing"

	"github.com/fabricdt/dt/internal/domain"
)

func gpuNode() domain.Node {
	return domain.Node{Name: "n1", Arch: "x86_64", Class: "gpu", FormatsSupported: []string{"fp16", "int8", "fp32"}}
}

func TestChooseFormatReturnsNilWithNoCandidates(t *testing.T) {
	c := New(DefaultConfig())
	node := domain.Node{Name: "n1", FormatsSupported: []string{"onnx"}}
	stage := domain.Stage{AllowedFormats: []string{"fp16"}}
	if got := c.ChooseFormat(stage, node); got != nil {
		t.Fatalf("expected nil when no format is both allowed and supported, got %v", *got)
	}
}

func TestChooseFormatReturnsSoleCandidateWithoutConsultingArms(t *testing.T) {
	c := New(DefaultConfig())
	node := domain.Node{Name: "n1", FormatsSupported: []string{"fp16"}}
	stage := domain.Stage{}
	got := c.ChooseFormat(stage, node)
	if got == nil || *got != "fp16" {
		t.Fatalf("expected the only supported format, got %v", got)
	}
}

func TestChooseFormatRespectsDisallowedFormats(t *testing.T) {
	c := New(DefaultConfig())
	node := gpuNode()
	stage := domain.Stage{DisallowedFormats: []string{"fp32"}}
	got := c.ChooseFormat(stage, node)
	if got == nil || *got == "fp32" {
		t.Fatalf("fp32 should have been excluded, got %v", got)
	}
}

func TestObserveImprovesArmMeanTowardGoodOutcomes(t *testing.T) {
	c := New(Config{ExplorationFactor: 1.5, MinObservations: 1, Now: nil})
	node := gpuNode()

	for i := 0; i < 5; i++ {
		c.Observe(node, "int8", 50, 100) // faster than expected, reward should stay near 1
	}
	for i := 0; i < 5; i++ {
		c.Observe(node, "fp16", 400, 100) // much slower than expected, reward should be low
	}

	_, meanInt8, _ := c.ArmStats(node.Class, node.Arch, "int8")
	_, meanFp16, _ := c.ArmStats(node.Class, node.Arch, "fp16")
	if meanInt8 <= meanFp16 {
		t.Fatalf("expected int8's mean reward (%v) to exceed fp16's (%v) after favorable/unfavorable observations", meanInt8, meanFp16)
	}
}

func TestChooseFormatEventuallyPrefersHigherRewardArm(t *testing.T) {
	c := New(Config{ExplorationFactor: 1.5, MinObservations: 2, Now: nil})
	node := gpuNode()
	stage := domain.Stage{AllowedFormats: []string{"int8", "fp16"}}

	for i := 0; i < 20; i++ {
		c.Observe(node, "int8", 40, 100)
		c.Observe(node, "fp16", 300, 100)
	}

	got := c.ChooseFormat(stage, node)
	if got == nil || *got != "int8" {
		t.Fatalf("expected int8 to win after consistently better observed outcomes, got %v", got)
	}
}

func TestUntriedArmGetsInfiniteExplorationBonus(t *testing.T) {
	c := New(Config{ExplorationFactor: 1.5, MinObservations: 3, Now: nil})
	node := gpuNode()
	for i := 0; i < 10; i++ {
		c.Observe(node, "fp16", 60, 100)
	}
	stage := domain.Stage{AllowedFormats: []string{"fp16", "int8"}}
	got := c.ChooseFormat(stage, node)
	if got == nil || *got != "int8" {
		t.Fatalf("expected the never-tried arm (int8) to win via exploration bonus, got %v", got)
	}
}
