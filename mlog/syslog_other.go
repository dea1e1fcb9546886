//go:build windows || plan9

package mlog

import (
	"errors"

	"go.uber.org/zap/zapcore"
)

func newSyslogSink(_ string) (zapcore.WriteSyncer, error) {
	return nil, errors.New("syslog is not supported on this platform")
}
