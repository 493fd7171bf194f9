package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// BuildLogger constructs the process logger from the logging section:
// development encoding when verbose, production otherwise, optionally teeing
// output to a timestamped file under the configured directory.
func (c LoggingConfig) BuildLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.DisableStacktrace = true
	if verbose {
		zc = zap.NewDevelopmentConfig()
	}

	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level %q: %w", c.Level, err)
		}
		zc.Level = level
	}

	if c.Enabled {
		if err := os.MkdirAll(c.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		name := fmt.Sprintf("mdlake_%s.log", time.Now().Format("2006-01-02_15-04-05"))
		zc.OutputPaths = append(zc.OutputPaths, filepath.Join(c.Directory, name))
	}

	return zc.Build()
}
