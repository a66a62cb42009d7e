package supervisor

import (
	"runtime"
	"strings"
	"testing"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit
// shell invocation (e.g., "sh -c 'run.sh'"), we do not double-wrap
// it with another "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := ServiceSpec{Name: "x", Command: "sh -c 'echo hi'"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if cmd.Args[1] != "-c" {
		t.Fatalf("expected -c as second arg, got %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || strings.HasPrefix(cmd.Args[2], "/bin/sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnixSpec(t)
	s := ServiceSpec{Name: "y", Command: "./app --port 8080 > /dev/null"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_SimpleCommand(t *testing.T) {
	s := ServiceSpec{Name: "z", Command: "./app --port 8080"}
	cmd := s.BuildCommand()
	want := []string{"./app", "--port", "8080"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("expected args %v, got %v", want, cmd.Args)
	}
	for i, a := range want {
		if cmd.Args[i] != a {
			t.Fatalf("arg[%d] = %q, want %q", i, cmd.Args[i], a)
		}
	}
}

func TestServiceSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        ServiceSpec
		expectErr   bool
		errContains string
	}{
		{
			name:      "valid",
			spec:      ServiceSpec{Name: "svc", Command: "./app"},
			expectErr: false,
		},
		{
			name:        "empty name",
			spec:        ServiceSpec{Name: "", Command: "./app"},
			expectErr:   true,
			errContains: "requires name",
		},
		{
			name:        "whitespace name",
			spec:        ServiceSpec{Name: "   ", Command: "./app"},
			expectErr:   true,
			errContains: "requires name",
		},
		{
			name:        "empty command",
			spec:        ServiceSpec{Name: "svc", Command: "  "},
			expectErr:   true,
			errContains: "requires command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error to contain %q, got %v", tt.errContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseExplicitShell(t *testing.T) {
	tests := []struct {
		name           string
		cmdStr         string
		expectedShell  string
		expectedAfter  string
		expectedResult bool
	}{
		{
			name:           "sh -c with single quotes",
			cmdStr:         "sh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "/bin/sh -c",
			cmdStr:         "/bin/sh -c 'echo hello'",
			expectedShell:  "/bin/sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "no quotes",
			cmdStr:         "sh -c echo hello",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "whitespace prefix",
			cmdStr:         "  \tsh -c 'echo hello'",
			expectedShell:  "sh",
			expectedAfter:  "echo hello",
			expectedResult: true,
		},
		{
			name:           "not shell command",
			cmdStr:         "echo hello",
			expectedResult: false,
		},
		{
			name:           "bash is not matched",
			cmdStr:         "bash -c 'echo hello'",
			expectedResult: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shell, after, ok := parseExplicitShell(tt.cmdStr)
			if ok != tt.expectedResult {
				t.Fatalf("expected result %v, got %v", tt.expectedResult, ok)
			}
			if shell != tt.expectedShell {
				t.Errorf("expected shell %q, got %q", tt.expectedShell, shell)
			}
			if after != tt.expectedAfter {
				t.Errorf("expected after %q, got %q", tt.expectedAfter, after)
			}
		})
	}
}
