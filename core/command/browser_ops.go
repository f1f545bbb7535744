package command

import "time"

// Navigate opens a URL through the WebDriver session.
type Navigate struct {
	baseDriverCommand
	URL string
}

func NewNavigate(driverID, url string) *Navigate {
	return &Navigate{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		URL:               url,
	}
}

func (c *Navigate) CommandName() string {
	return "Navigate"
}

// NavigateAll opens a URL on all running drivers.
type NavigateAll struct {
	URL string
}

func (c *NavigateAll) CommandName() string {
	return "NavigateAll"
}

// OpenWithReconnect opens a URL while chromedriver is detached.
type OpenWithReconnect struct {
	baseDriverCommand
	URL   string
	Delay time.Duration
}

func NewOpenWithReconnect(driverID, url string, delay time.Duration) *OpenWithReconnect {
	return &OpenWithReconnect{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		URL:               url,
		Delay:             delay,
	}
}

func (c *OpenWithReconnect) CommandName() string {
	return "OpenWithReconnect"
}

// UCClick clicks an element with chromedriver detached.
type UCClick struct {
	baseDriverCommand
	Selector string
	Delay    time.Duration
}

func NewUCClick(driverID, selector string, delay time.Duration) *UCClick {
	return &UCClick{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		Selector:          selector,
		Delay:             delay,
	}
}

func (c *UCClick) CommandName() string {
	return "UCClick"
}

// ExecuteScript runs JavaScript in the current page. The result is
// published as a ScriptExecuted event.
type ExecuteScript struct {
	baseDriverCommand
	Script string
	Args   []any
}

func NewExecuteScript(driverID, script string, args ...any) *ExecuteScript {
	return &ExecuteScript{
		baseDriverCommand: baseDriverCommand{driverID: driverID},
		Script:            script,
		Args:              args,
	}
}

func (c *ExecuteScript) CommandName() string {
	return "ExecuteScript"
}

// SaveCookies stores the browser cookies on the driver's profile.
type SaveCookies struct {
	baseDriverCommand
}

func NewSaveCookies(driverID string) *SaveCookies {
	return &SaveCookies{baseDriverCommand{driverID: driverID}}
}

func (c *SaveCookies) CommandName() string {
	return "SaveCookies"
}

// LoadCookies applies the profile's stored cookies to the browser.
type LoadCookies struct {
	baseDriverCommand
}

func NewLoadCookies(driverID string) *LoadCookies {
	return &LoadCookies{baseDriverCommand{driverID: driverID}}
}

func (c *LoadCookies) CommandName() string {
	return "LoadCookies"
}
