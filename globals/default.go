package globals

import (
	"os"

	"github.com/hashicorp/go-hclog"
)

// AppLogger is the process wide logger, components derive named children from it.
var AppLogger = hclog.New(&hclog.LoggerOptions{
	Name:   "orgchat",
	Level:  hclog.LevelFromString("INFO"),
	Output: os.Stderr,
})

// SetLogLevel changes the level of AppLogger, unknown levels are ignored.
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	l := hclog.LevelFromString(level)
	if l == hclog.NoLevel {
		AppLogger.Warn("unknown log level, keeping current", "level", level)
		return
	}
	AppLogger.SetLevel(l)
}
