package dltraffic

import (
	"github.com/iti/evt/evtm"
	"github.com/sirupsen/logrus"
)

// logger is shared by every application in the package.  Components take an
// entry from it when they are created, so SetLogger should be called before that.
var logger *logrus.Logger = logrus.New()

func init() {
	logger.SetLevel(logrus.WarnLevel)
}

// SetLogger replaces the package logger
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the package logger
func Logger() *logrus.Logger {
	return logger
}

// appLogger returns an entry labeled with the kind and name of an application
func appLogger(app, name string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{"app": app, "name": name})
}

// simTimeKey holds the simulation time in seconds.  logrus keeps "time" for the wall clock.
const simTimeKey = "simtime"

// at stamps an entry with the current simulation time
func at(entry *logrus.Entry, evtMgr *evtm.EventManager) *logrus.Entry {
	return entry.WithField(simTimeKey, evtMgr.CurrentSeconds())
}
