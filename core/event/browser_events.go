package event

import "encoding/json"

// DriverPatched is published after the chromedriver binary was checked or patched.
type DriverPatched struct {
	baseDriverEvent
	ExecutablePath string
	VersionFull    string
}

func NewDriverPatched(driverID, executablePath, versionFull string) *DriverPatched {
	return &DriverPatched{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		ExecutablePath:  executablePath,
		VersionFull:     versionFull,
	}
}

func (e *DriverPatched) EventName() string {
	return "DriverPatched"
}

// BrowserLaunched is published when the browser process has been spawned.
type BrowserLaunched struct {
	baseDriverEvent
	PID         int
	UserDataDir string
}

func NewBrowserLaunched(driverID string, pid int, userDataDir string) *BrowserLaunched {
	return &BrowserLaunched{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		PID:             pid,
		UserDataDir:     userDataDir,
	}
}

func (e *BrowserLaunched) EventName() string {
	return "BrowserLaunched"
}

// DriverDisconnected is published when the chromedriver service was stopped
// while the browser keeps running.
type DriverDisconnected struct {
	baseDriverEvent
}

func NewDriverDisconnected(driverID string) *DriverDisconnected {
	return &DriverDisconnected{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
	}
}

func (e *DriverDisconnected) EventName() string {
	return "DriverDisconnected"
}

// DriverReconnected is published when a new WebDriver session is attached.
type DriverReconnected struct {
	baseDriverEvent
}

func NewDriverReconnected(driverID string) *DriverReconnected {
	return &DriverReconnected{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
	}
}

func (e *DriverReconnected) EventName() string {
	return "DriverReconnected"
}

// CDPModeActivated is published when the driver switches to pure CDP control.
type CDPModeActivated struct {
	baseDriverEvent
	URL string
}

func NewCDPModeActivated(driverID, url string) *CDPModeActivated {
	return &CDPModeActivated{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		URL:             url,
	}
}

func (e *CDPModeActivated) EventName() string {
	return "CDPModeActivated"
}

// CDPEventReceived carries a raw DevTools event forwarded by the reactor.
type CDPEventReceived struct {
	baseDriverEvent
	Method string
	Params json.RawMessage
}

func NewCDPEventReceived(driverID, method string, params json.RawMessage) *CDPEventReceived {
	return &CDPEventReceived{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Method:          method,
		Params:          params,
	}
}

func (e *CDPEventReceived) EventName() string {
	return "CDPEventReceived"
}

// CookiesSaved is published when cookies are saved successfully.
type CookiesSaved struct {
	baseDriverEvent
	Count int
}

func NewCookiesSaved(driverID string, count int) *CookiesSaved {
	return &CookiesSaved{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Count:           count,
	}
}

func (e *CookiesSaved) EventName() string {
	return "CookiesSaved"
}

// CookiesLoaded is published when stored cookies were applied to the browser.
type CookiesLoaded struct {
	baseDriverEvent
	Count int
}

func NewCookiesLoaded(driverID string, count int) *CookiesLoaded {
	return &CookiesLoaded{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Count:           count,
	}
}

func (e *CookiesLoaded) EventName() string {
	return "CookiesLoaded"
}

// OperationFailed is published when a driver operation fails.
type OperationFailed struct {
	baseDriverEvent
	Operation string
	Error     error
}

func NewOperationFailed(driverID, operation string, err error) *OperationFailed {
	return &OperationFailed{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Operation:       operation,
		Error:           err,
	}
}

func (e *OperationFailed) EventName() string {
	return "OperationFailed"
}

// ScriptExecuted carries the result of an ExecuteScript command.
type ScriptExecuted struct {
	baseDriverEvent
	Result any
}

func NewScriptExecuted(driverID string, result any) *ScriptExecuted {
	return &ScriptExecuted{
		baseDriverEvent: baseDriverEvent{driverID: driverID},
		Result:          result,
	}
}

func (e *ScriptExecuted) EventName() string {
	return "ScriptExecuted"
}
