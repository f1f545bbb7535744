// Package command defines all commands that can be sent to the application.
// Commands represent caller intentions and are processed by the application layer.
package command

// Command is the base interface for all commands.
type Command interface {
	// CommandName returns the name of the command for logging/debugging
	CommandName() string
}

// DriverCommand is a command that targets a specific driver.
type DriverCommand interface {
	Command
	// DriverID returns the target driver ID
	DriverID() string
}

// baseDriverCommand provides common implementation for driver commands.
type baseDriverCommand struct {
	driverID string
}

func (c *baseDriverCommand) DriverID() string {
	return c.driverID
}
