package env

import (
	"time"

	"github.com/comfygate/comfygate/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for comfygate.
func Process() error {
	if err := envconfig.Process("comfygate", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevelFromString(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by comfygate. The dispatch timing knobs default to the
// values observed in production; they are deliberately
// configurable rather than hard-coded.
type Environment struct {
	LogLevel       string        `default:"info"`
	Port           int           `default:"8080"`
	BaseURL        string        `default:"http://localhost:8080"`
	DatabaseType   string        `default:"postgres"`
	DatabaseDSN    string        `default:"host=postgres user=postgres password=postgres dbname=comfygate port=5432 sslmode=disable"`
	SettingsPath   string        `default:""`
	PollWindow     time.Duration `default:"30s"`
	SignalInterval time.Duration `default:"100ms"`
	StaleAfter     time.Duration `default:"5m"`
	ActiveWindow   time.Duration `default:"10m"`
	DispatchTake   int           `default:"3"`
	SweepSchedule  string        `default:"@every 2m"`
}
