package core

// ToolEnvironment prepares a command for the host it will run on.
//
// On a workstation the tools are already on PATH. On clusters that use
// environment modules, each suite has to be loaded first.
type ToolEnvironment interface {
	Prepare(cmd Command) Command
}

// NoopEnvironment runs commands unchanged.
type NoopEnvironment struct{}

func (NoopEnvironment) Prepare(cmd Command) Command { return cmd }

// moduleScript loads the module named by $1 and then replaces the shell with
// the remaining arguments, so the tool's argv is never re-parsed.
const moduleScript = `module load "$1" || exit 127; shift; exec "$@"`

// ModuleEnvironment loads an environment module before each tool.
type ModuleEnvironment struct {
	// Modules maps a suite to its module name, e.g. afni -> "afni".
	Modules map[Suite]string

	// Shell is the login shell that provides the module function.
	Shell string
}

// NewModuleEnvironment returns the module mapping used on the NIH HPC.
func NewModuleEnvironment(afni, fsl string) *ModuleEnvironment {
	return &ModuleEnvironment{
		Modules: map[Suite]string{
			SuiteAFNI: afni,
			SuiteFSL:  fsl,
		},
		Shell: "bash",
	}
}

func (m *ModuleEnvironment) Prepare(cmd Command) Command {
	if m == nil {
		return cmd
	}
	module, ok := m.Modules[cmd.Suite]
	if !ok || module == "" {
		return cmd
	}
	shell := m.Shell
	if shell == "" {
		shell = "bash"
	}
	args := make([]string, 0, len(cmd.Args)+5)
	args = append(args, "-lc", moduleScript, shell, module, cmd.Name)
	args = append(args, cmd.Args...)
	return Command{
		Suite: cmd.Suite,
		Name:  shell,
		Args:  args,
		Dir:   cmd.Dir,
		Env:   cmd.Env,
	}
}
