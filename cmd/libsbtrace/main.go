//go:build darwin && cgo

// Command libsbtrace is the preload library. Build it with
//
//	go build -buildmode=c-shared -o libsbtrace.dylib ./cmd/libsbtrace
//
// and inject it with DYLD_INSERT_LIBRARIES (see `sbtrace run`). A C
// constructor attaches the engine on the loading thread.
package main

import "C"

import (
	"go.uber.org/zap"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/darwin"
	"github.com/zboralski/sbtrace/internal/engine"
	"github.com/zboralski/sbtrace/internal/log"
)

//export sbtraceAttach
func sbtraceAttach() {
	defer func() {
		if r := recover(); r != nil {
			log.L.Error("attach panicked", zap.Any("panic", r))
		}
	}()

	cfg, err := config.Load()
	log.Init(cfg.Debug)
	if err != nil {
		log.L.Warn("configuration", zap.Error(err))
	}

	plat, err := darwin.New()
	if err != nil {
		log.L.Warn("platform unavailable", zap.Error(err))
		return
	}
	eng, err := engine.New(cfg, plat)
	if err != nil {
		log.L.Warn("engine", zap.Error(err))
		return
	}
	rep := eng.Attach()
	log.L.Debug("attached",
		zap.String("mode", rep.Mode),
		zap.String("hook_attempt", rep.HookAttempt),
		zap.String("hook_status", rep.HookStatus))
}

func main() {}
