package transplantlib

import (
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	EnvLogLevel = "TRANSPLANT_LOG_LEVEL"
	EnvJSONLog  = "TRANSPLANT_JSON_LOG"
)

// NewLogger creates the logger every transplant component logs through.
// Output defaults to stderr. TRANSPLANT_JSON_LOG=1 switches to json lines.
func NewLogger(name string, level string, output io.Writer) hclog.Logger {
	if output == nil {
		output = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(level),
		JSONFormat: os.Getenv(EnvJSONLog) == "1",
		Output:     output,
		TimeFormat: "2006-01-02T15:04:05Z",
		TimeFn: func() time.Time {
			return time.Now().UTC()
		},
	})
}

func GetLogLevel() string {
	return Def(os.Getenv(EnvLogLevel), "info")
}
