package cube

// DefaultProgrammer is the vendor CLI executable name. It is resolved
// through PATH unless the config points at an absolute path.
const DefaultProgrammer = "STM32_Programmer_CLI"

// Action is the device operation a flash request asks for.
type Action int

const (
	ActionProgramVerify Action = iota
	ActionEraseOnly
	ActionResetOnly
)

func (a Action) String() string {
	switch a {
	case ActionProgramVerify:
		return "program+verify"
	case ActionEraseOnly:
		return "erase"
	case ActionResetOnly:
		return "reset"
	}
	return "unknown"
}

// NeedsImage reports whether the action requires a firmware image path.
func (a Action) NeedsImage() bool {
	return a == ActionProgramVerify
}

// CommandLine builds the vendor CLI argument list for an action.
// The flag syntax below is STM32CubeProgrammer v2.x; it is kept in this
// one function so a tool upgrade only touches this file.
func CommandLine(action Action, port, image string) []string {
	connect := "port=" + port
	switch action {
	case ActionEraseOnly:
		return []string{"-c", connect, "-e", "all"}
	case ActionResetOnly:
		return []string{"-c", connect, "-rst"}
	default:
		return []string{"-c", connect, "-d", image, "-v", "-rst"}
	}
}
