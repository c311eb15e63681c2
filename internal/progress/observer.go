package progress

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// LogObserver writes progress updates and log lines to a structured logger.
type LogObserver struct {
	// Logger defaults to the package-level logger.
	Logger *log.Logger
}

func (o LogObserver) logger() *log.Logger {
	if o.Logger == nil {
		return log.Default()
	}
	return o.Logger
}

// OnProgress logs the current position at debug level.
func (o LogObserver) OnProgress(s Snapshot) {
	o.logger().Debug("progress",
		"vpn", s.VPN.Name,
		"profile", s.Profile.Name,
		"test", s.Test.Name,
		"pair", s.Machine.Name,
		"phase", s.Phase,
		"percent", fmt.Sprintf("%.1f", s.Percent()),
		"eta", s.ETAString())
}

// OnLog logs line at info level.
func (o LogObserver) OnLog(line string) {
	o.logger().Info(line)
}

// Funcs adapts a pair of functions to the Observer interface. Nil fields are
// ignored.
type Funcs struct {
	Progress func(Snapshot)
	Log      func(string)
}

// OnProgress calls f.Progress.
func (f Funcs) OnProgress(s Snapshot) {
	if f.Progress != nil {
		f.Progress(s)
	}
}

// OnLog calls f.Log.
func (f Funcs) OnLog(line string) {
	if f.Log != nil {
		f.Log(line)
	}
}
