package scanner

import (
	"fmt"

	"github.com/google/uuid"
)

// CommandKind enumerates the control operations the scan loop accepts.
type CommandKind int

const (
	// CommandReload rebuilds connectors, tags and scripts from the
	// configuration tables.
	CommandReload CommandKind = iota
)

func (k CommandKind) String() string {
	if k == CommandReload {
		return "reload"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is one control message. The id ties log lines on the sending
// side (the HTTP API) to log lines in the scan loop.
type Command struct {
	ID   uuid.UUID
	Kind CommandKind
}

func NewReloadCommand() Command {
	return Command{ID: uuid.New(), Kind: CommandReload}
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s", c.Kind, c.ID)
}
