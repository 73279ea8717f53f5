package flow

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed steps.yaml
var defaultStepsYAML []byte

// ErrStepNotFound is returned when a step id is not part of the loaded sequence.
var ErrStepNotFound = errors.New("step not found")

// Step is one stage of the scripted conversation.
type Step struct {
	ID             string `yaml:"id"`
	PromptName     string `yaml:"promptName"`
	Description    string `yaml:"description"`
	FinishCriteria string `yaml:"finishCriteria"`
}

type stepsFile struct {
	Steps []Step `yaml:"steps"`
}

// LoadSteps parses and validates a steps YAML document.
func LoadSteps(data []byte) ([]Step, error) {
	var f stepsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse steps: %w", err)
	}
	if err := validateSteps(f.Steps); err != nil {
		return nil, err
	}
	return f.Steps, nil
}

// LoadStepsFile reads steps from path.
func LoadStepsFile(path string) ([]Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read steps file %s: %w", path, err)
	}
	return LoadSteps(data)
}

// DefaultSteps returns the built-in sequence.
func DefaultSteps() []Step {
	steps, err := LoadSteps(defaultStepsYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded steps.yaml is invalid: %v", err))
	}
	return steps
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return errors.New("no steps defined")
	}
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if s.PromptName == "" {
			return fmt.Errorf("step %q has no promptName", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// StepManager tracks the position in a step sequence. It never wraps around.
// A StepManager is not safe for concurrent use; the engine builds one per turn.
type StepManager struct {
	steps []Step
	index int
}

// NewStepManager returns a manager positioned at the first step.
func NewStepManager(steps []Step) *StepManager {
	return &StepManager{steps: append([]Step(nil), steps...)}
}

// GetCurrentStep returns the current step, or the zero Step for an empty sequence.
func (m *StepManager) GetCurrentStep() Step {
	if len(m.steps) == 0 {
		return Step{}
	}
	return m.steps[m.index]
}

// AdvanceStep moves to the next step. It reports false at the last step.
func (m *StepManager) AdvanceStep() bool {
	if m.index+1 >= len(m.steps) {
		return false
	}
	m.index++
	return true
}

// IsLastStep reports whether the current step is the final one.
func (m *StepManager) IsLastStep() bool {
	return m.index >= len(m.steps)-1
}

// GetStep looks a step up by id.
func (m *StepManager) GetStep(id string) (Step, error) {
	for _, s := range m.steps {
		if s.ID == id {
			return s, nil
		}
	}
	return Step{}, fmt.Errorf("%w: %q", ErrStepNotFound, id)
}

// SeekTo positions the manager at id. An empty id means the first step.
func (m *StepManager) SeekTo(id string) error {
	if id == "" {
		m.index = 0
		return nil
	}
	for i, s := range m.steps {
		if s.ID == id {
			m.index = i
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrStepNotFound, id)
}
