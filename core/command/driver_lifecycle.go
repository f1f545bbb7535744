package command

import "time"

// StartDriver launches a new undetected driver for a profile.
type StartDriver struct {
	ProfileID       string
	URL             string // Optional: opened once the driver is connected
	Headless        bool
	EnableCDPEvents bool
	UseSubprocess   bool
	Arguments       []string
}

func (c *StartDriver) CommandName() string {
	return "StartDriver"
}

// StopDriver quits a running driver.
type StopDriver struct {
	baseDriverCommand
}

func NewStopDriver(driverID string) *StopDriver {
	return &StopDriver{baseDriverCommand{driverID: driverID}}
}

func (c *StopDriver) CommandName() string {
	return "StopDriver"
}

// StopAllDrivers quits every running driver.
type StopAllDrivers struct{}

func (c *StopAllDrivers) CommandName() string {
	return "StopAllDrivers"
}

// Disconnect stops chromedriver while the browser keeps running.
type Disconnect struct {
	baseDriverCommand
}

func NewDisconnect(driverID string) *Disconnect {
	return &Disconnect{baseDriverCommand{driverID: driverID}}
}

func (c *Disconnect) CommandName() string {
	return "Disconnect"
}

// Connect restarts chromedriver and attaches a new session.
type Connect struct {
	baseDriverCommand
}

func NewConnect(driverID string) *Connect {
	return &Connect{baseDriverCommand{driverID: driverID}}
}

func (c *Connect) CommandName() string {
	return "Connect"
}

// Reconnect disconnects, waits Delay and connects again.
type Reconnect struct {
	baseDriverCommand
	Delay time.Duration // Zero uses the driver default
}

func NewReconnect(driverID string, delay time.Duration) *Reconnect {
	return &Reconnect{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		Delay:             delay,
	}
}

func (c *Reconnect) CommandName() string {
	return "Reconnect"
}

// ActivateCDPMode switches a driver to pure DevTools control.
type ActivateCDPMode struct {
	baseDriverCommand
	URL string
}

func NewActivateCDPMode(driverID, url string) *ActivateCDPMode {
	return &ActivateCDPMode{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		URL:               url,
	}
}

func (c *ActivateCDPMode) CommandName() string {
	return "ActivateCDPMode"
}
