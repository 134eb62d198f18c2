// internal/protocol/command.go
package protocol

import "fmt"

// Kind classifies a received payload
type Kind int

const (
	Unrecognized Kind = iota
	Reboot
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case Reboot:
		return "reboot"
	case Shutdown:
		return "shutdown"
	case Unrecognized:
		return "unrecognized"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseAction maps an action verb ("reboot" or "shutdown") to its Kind
func ParseAction(verb string) (Kind, error) {
	switch verb {
	case "reboot":
		return Reboot, nil
	case "shutdown":
		return Shutdown, nil
	}
	return Unrecognized, fmt.Errorf("unknown action %q (want reboot or shutdown)", verb)
}

// Command is the classification of one payload
type Command struct {
	Kind Kind
	Raw  string
}

// CommandPath returns the canonical wire form "/<machineID>/<verb>"
func CommandPath(machineID string, kind Kind) string {
	return "/" + machineID + "/" + kind.String()
}

// ExpectedCommands returns the reboot and shutdown forms for machineID
func ExpectedCommands(machineID string) []string {
	return []string{CommandPath(machineID, Reboot), CommandPath(machineID, Shutdown)}
}

// Match classifies payload against the commands for machineID. Matching is
// exact: the caller trims surrounding whitespace, nothing else is normalized.
func Match(machineID, payload string) Command {
	switch payload {
	case CommandPath(machineID, Reboot):
		return Command{Kind: Reboot, Raw: payload}
	case CommandPath(machineID, Shutdown):
		return Command{Kind: Shutdown, Raw: payload}
	}
	return Command{Kind: Unrecognized, Raw: payload}
}
