//go:build !windows && !plan9

package mlog

import (
	"fmt"
	"log/syslog"

	"go.uber.org/zap/zapcore"
)

var syslogFacilities = map[string]syslog.Priority{
	"":       syslog.LOG_DAEMON,
	"kern":   syslog.LOG_KERN,
	"user":   syslog.LOG_USER,
	"daemon": syslog.LOG_DAEMON,
	"syslog": syslog.LOG_SYSLOG,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

func newSyslogSink(facility string) (zapcore.WriteSyncer, error) {
	p, ok := syslogFacilities[facility]
	if !ok {
		return nil, fmt.Errorf("unknown syslog facility %s", facility)
	}
	w, err := syslog.New(p|syslog.LOG_INFO, "tecproxy")
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(w), nil
}
