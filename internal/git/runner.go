package git

import "os/exec"

// Runner is an interface for executing git commands.
// This abstraction allows us to mock command execution in tests.
type Runner interface {
	// RunInDir executes a command in a specific directory and returns the
	// combined output and error.
	RunInDir(dir, name string, args ...string) ([]byte, error)
}

// RealRunner is the production implementation using os/exec.
type RealRunner struct{}

// RunInDir executes a command in a specific directory.
func (r *RealRunner) RunInDir(dir, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// MockRunner is a test implementation that returns predefined responses.
type MockRunner struct {
	// RunInDirFunc is called when RunInDir is invoked.
	RunInDirFunc func(dir, name string, args ...string) ([]byte, error)

	// Calls tracks all command invocations.
	Calls []MockCall
}

// MockCall represents a single command invocation.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// RunInDir executes the mock function.
func (m *MockRunner) RunInDir(dir, name string, args ...string) ([]byte, error) {
	m.Calls = append(m.Calls, MockCall{Dir: dir, Name: name, Args: args})

	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(dir, name, args...)
	}

	return []byte(""), nil
}
