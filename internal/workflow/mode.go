package workflow

// Mode is how the host presents conversations: either as ordered workflow
// steps (RoutedMode) or as a single dashboard view without steps (UnroutedMode).
// The host selects it once and passes it down.
type Mode interface {
	isMode()
}

// RoutedMode is a workflow page with a step list and an active step.
type RoutedMode struct {
	Steps      []Step
	ActiveStep int
}

// UnroutedMode is a dashboard-style view with no step list.
type UnroutedMode struct{}

func (RoutedMode) isMode()   {}
func (UnroutedMode) isMode() {}

// StepsOf returns the steps and active step of m. UnroutedMode yields no steps.
func StepsOf(m Mode) ([]Step, int) {
	if r, ok := m.(RoutedMode); ok {
		return r.Steps, r.ActiveStep
	}
	return nil, 0
}

// InRange reports whether i indexes into steps.
func InRange(i int, steps []Step) bool {
	return i >= 0 && i < len(steps)
}
