package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	Log = logrus.New()
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	Log.SetOutput(os.Stdout)
	Log.SetLevel(logrus.InfoLevel)
}

// SetLevel adjusts the global log level from its configured name.
// Unknown names leave the level unchanged.
func SetLevel(name string) {
	if name == "" {
		return
	}
	if level, err := logrus.ParseLevel(name); err == nil {
		Log.SetLevel(level)
	}
}
