// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package log provides the module-scoped, leveled logger used across the
// networking core. It mirrors the call pattern of log.NewModuleLogger /
// logger.NewWith found throughout the wider codebase, backed by zap instead
// of a hand-rolled level filter.
package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names. New subsystems append here rather than invent ad-hoc tags.
const (
	P2PReactor     = "p2p/reactor"
	P2PRouter      = "p2p/router"
	P2PConnection  = "p2p/connection"
	P2PHandshake   = "p2p/handshake"
	P2PFrame       = "p2p/frame"
	P2PDiscover    = "p2p/discover"
	P2PDedup       = "p2p/dedup"
	P2PBan         = "p2p/ban"
	P2PMaintenance = "p2p/maintenance"
	P2PBridge      = "p2p/bridge"
	Common         = "common"
)

var (
	baseOnce sync.Once
	base     *zap.Logger
)

func baseLogger() *zap.Logger {
	baseOnce.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "t"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg),
			zapcore.Lock(os.Stderr),
			zap.NewAtomicLevelAt(zap.DebugLevel),
		)
		base = zap.New(core)
	})
	return base
}

// Logger is a contextual, leveled logger. It is safe for concurrent use.
type Logger struct {
	module string
	sugar  *zap.SugaredLogger
}

// NewModuleLogger returns the logger registered for the given module tag.
func NewModuleLogger(module string) Logger {
	return Logger{module: module, sugar: baseLogger().Sugar().With("mod", module)}
}

// NewWith returns a child logger carrying the given key/value pairs on
// every subsequent call, the same way the wider codebase's
// logger.NewWith("state", c.state) derives a per-call-site logger.
func (l Logger) NewWith(kv ...interface{}) Logger {
	return Logger{module: l.module, sugar: l.sugar.With(kv...)}
}

func (l Logger) Trace(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
func (l Logger) Crit(msg string, kv ...interface{})  { l.sugar.Fatalw(msg, kv...) }

// Lazy defers evaluation of a log field until the message is actually
// emitted, for fields that are expensive to compute (e.g. a duration
// since some past event) and only needed at Debug/Trace level.
type Lazy struct {
	Fn func() interface{}
}

func (z Lazy) String() string {
	return fmt.Sprintf("%v", z.Fn())
}
