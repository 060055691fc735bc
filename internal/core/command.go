package core

import (
	"strings"
)

// Suite names the software package that provides a tool. On clusters that
// use environment modules, each suite maps to one module.
type Suite string

const (
	SuiteAFNI    Suite = "afni"
	SuiteFSL     Suite = "fsl"
	SuiteFSLeyes Suite = "fsleyes"
	SuiteNone    Suite = ""
)

// Command is a declarative tool invocation.
type Command struct {
	// Suite is the package providing Name; it drives module loading.
	Suite Suite

	// Name is the executable, resolved through PATH.
	Name string

	// Args are passed verbatim; no shell interpretation happens.
	Args []string

	// Dir is the working directory. Empty means the process CWD.
	Dir string

	// Env holds extra variables layered over the host environment.
	Env map[string]string
}

// NewCommand returns a Command for name provided by suite.
func NewCommand(suite Suite, name string, args ...string) Command {
	return Command{Suite: suite, Name: name, Args: append([]string(nil), args...)}
}

// Argv returns the full argument vector including the executable.
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Name)
	return append(argv, c.Args...)
}

// String renders the command in a form that can be pasted into a POSIX shell.
// It is only used for logs.
func (c Command) String() string {
	argv := c.Argv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%+=:,./_-", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
