// Package engine attaches the tracer to a process: it resolves the target,
// installs the strategy selected by the configuration and writes the
// triage report.
package engine

import (
	"errors"
	"fmt"

	"github.com/zboralski/sbtrace/internal/config"
	"github.com/zboralski/sbtrace/internal/hook"
	"github.com/zboralski/sbtrace/internal/hwbp"
	"github.com/zboralski/sbtrace/internal/log"
	"github.com/zboralski/sbtrace/internal/patch"
	"github.com/zboralski/sbtrace/internal/resolve"
	"github.com/zboralski/sbtrace/internal/stub"
	"github.com/zboralski/sbtrace/internal/trace"
	"github.com/zboralski/sbtrace/internal/triage"
	"go.uber.org/zap"
)

var (
	ErrInterposeUnavailable = errors.New("dyld_dynamic_interpose unavailable")
	ErrNotExported          = errors.New("target not exported or base unavailable")
)

// Engine installs one hook into one platform.
type Engine struct {
	cfg  *config.Config
	plat Platform
	log  *log.Logger
	kind stub.Kind
	ctx  *Context
	hw   *hwbp.Installer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is log.L.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New builds an Engine and its instrumentation context. Nothing is
// installed until Attach.
func New(cfg *config.Config, plat Platform, opts ...Option) (*Engine, error) {
	if cfg == nil || plat == nil {
		return nil, errors.New("engine: missing config or platform")
	}
	kind, err := stub.ForArch(plat.Arch())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{cfg: cfg, plat: plat, log: log.L, kind: kind}
	for _, o := range opts {
		o(e)
	}

	rec := trace.NewRecorder(cfg.TraceOut, cfg.InputLabel())
	h := hook.New(rec, plat.Memory(), plat.Guard())
	ctl := hwbp.NewController(hwbp.ObserverFunc(h.Observe))
	e.ctx = &Context{
		Recorder:   rec,
		Hook:       h,
		Controller: ctl,
		Triage:     triage.NewWriter(cfg.TriageOut),
	}
	e.hw = hwbp.NewInstaller(plat.Breakpoints(), ctl, plat.Arch())
	return e, nil
}

// Context returns the engine's instrumentation context.
func (e *Engine) Context() *Context { return e.ctx }

// Attach resolves the target, installs the configured strategy, publishes
// the context for native entry points and writes the triage report. It
// never fails: every outcome is described by the returned report.
func (e *Engine) Attach() *triage.Report {
	setCurrent(e.ctx)

	rep := triage.New(e.plat.Arch(), e.cfg.Mode, e.kind.Size())
	res := resolve.New(e.plat.Loader(), e.plat.Memory()).Resolve(e.cfg.Inputs())
	rep.SetResolution(res)
	e.log.Resolved(res.Symbol, res.Addr, string(res.Source))

	ip := e.plat.Interposer()
	rep.DyldDynamicInterpose = ip != nil && ip.Available()

	switch e.cfg.Mode {
	case config.ModeDynamic:
		e.attachDynamic(rep, res, ip)
	case config.ModePatch:
		e.attachPatch(rep, res)
	case config.ModeHWBreakpoint:
		e.attachHW(rep, res)
	default:
		e.log.Strategy(e.cfg.Mode, triage.AttemptNone)
	}

	if err := e.ctx.Triage.Emit(rep); err != nil {
		e.log.Warn("triage not written", zap.String("path", e.cfg.TriageOut), zap.Error(err))
	}
	return rep
}

func (e *Engine) attachDynamic(rep *triage.Report, res *resolve.Resolution, ip Interposer) {
	e.log.Strategy(e.cfg.Mode, triage.AttemptDynamic)
	switch {
	case !rep.DyldDynamicInterpose:
		e.finish(rep, triage.AttemptDynamic, triage.StatusSkipped, ErrInterposeUnavailable)
		return
	case !res.Exported || res.Library.Base == 0:
		e.finish(rep, triage.AttemptDynamic, triage.StatusSkipped, ErrNotExported)
		return
	}
	e.ctx.Hook.SetOriginal(e.plat.Caller(res.ExportedAddr))
	if err := ip.Interpose(res.Library.Base, e.plat.HookEntry(), res.ExportedAddr); err != nil {
		e.ctx.Hook.SetOriginal(nil)
		e.finish(rep, triage.AttemptDynamic, triage.StatusFailed, err)
		return
	}
	e.log.Installed(triage.AttemptDynamic, res.ExportedAddr, res.ExportedAddr)
	e.finish(rep, triage.AttemptDynamic, triage.StatusOK, nil)
}

func (e *Engine) attachPatch(rep *triage.Report, res *resolve.Resolution) {
	e.log.Strategy(e.cfg.Mode, triage.AttemptPatch)
	rep.SetSurface(triage.SurfaceEntryText)
	if !res.Available() {
		e.finish(rep, triage.AttemptPatch, triage.StatusSkipped, res.Err())
		return
	}

	var pr patch.Report
	entry, err := patch.New(e.plat.Memory(), e.kind).Install(res.Addr, e.plat.HookEntry(), &pr)
	if entry != 0 {
		e.ctx.Hook.SetOriginal(e.plat.Caller(entry))
	}
	rep.SetPatch(&pr)

	switch {
	case errors.Is(err, patch.ErrImmutable):
		e.finish(rep, triage.AttemptPatch, triage.StatusSkippedImmutable, err)
	case err != nil:
		e.finish(rep, triage.AttemptPatch, triage.StatusFailed, err)
	default:
		e.log.Installed(triage.AttemptPatch, pr.Target, entry)
		e.finish(rep, triage.AttemptPatch, triage.StatusOK, nil)
	}
}

func (e *Engine) attachHW(rep *triage.Report, res *resolve.Resolution) {
	e.log.Strategy(e.cfg.Mode, triage.AttemptHWBreakpoint)
	rep.SetSurface(triage.SurfaceHWBreakpoint)
	if !res.Available() {
		e.finish(rep, triage.AttemptHWBreakpoint, triage.StatusSkipped, res.Err())
		return
	}

	mem := e.plat.Memory()
	target := mem.StripCodePointer(res.Addr)
	pr := patch.Report{Target: target}
	pr.RecordRegion(mem, target)
	rep.SetPatch(&pr)

	var hr hwbp.Report
	err := e.hw.Install(target, &hr)
	rep.SetHW(&hr)
	if err != nil {
		e.finish(rep, triage.AttemptHWBreakpoint, triage.StatusFailed, err)
		return
	}
	e.log.Installed(triage.AttemptHWBreakpoint, target, 0)
	e.finish(rep, triage.AttemptHWBreakpoint, triage.StatusOK, nil)
}

func (e *Engine) finish(rep *triage.Report, attempt, status string, err error) {
	rep.SetHook(attempt, status, err)
	if err != nil {
		e.log.Failed(attempt, status, err)
	}
}
