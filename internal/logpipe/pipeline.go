// Package logpipe implements the Log Pipeline (spec §4.5): a console
// fast path, a length-framed ring buffer for durable sinks, and a
// dedicated drain task.
//
// Grounded on the teacher's kernel/utils/logger.go (level set, field
// API, `[TIME] [LEVEL] [COMPONENT] message` prefix shape — reworked here
// onto a zap console encoder per SPEC_FULL §4.5) and
// kernel/utils/graceful.go (component shutdown ordering, adapted in
// internal/kernelctx to run this pipeline last).
package logpipe

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	temperrcatcher "github.com/jbenet/go-temp-err-catcher"
	"github.com/sony/gobreaker"
	"go.uber.org/zap/zapcore"

	"github.com/duocore/kernel/internal/kerrors"
	"github.com/duocore/kernel/internal/spinlock"
)

// Level mirrors spec §4.5's level set.
type Level int

const (
	Trace Level = iota
	Debug
	Info
	Warn
	Error
	Fatal
)

func (l Level) String() string {
	switch l {
	case Trace:
		return "TRACE"
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case Trace, Debug:
		return zapcore.DebugLevel
	case Info:
		return zapcore.InfoLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	case Fatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var levelColor = map[Level]string{
	Trace: "\x1b[90m", Debug: "\x1b[36m", Info: "\x1b[32m",
	Warn: "\x1b[33m", Error: "\x1b[31m", Fatal: "\x1b[35m",
}

const colorReset = "\x1b[0m"

// Destination is a durable sink the drain task writes framed records to
// (flash, SD). Both are external collaborators per spec §1; this
// package owns only the interface boundary and a Destination
// implementation for each, per SPEC_FULL §4.5.
type Destination interface {
	Name() string
	WriteRecord(line string) error
}

// Config is the logging configuration knob set (spec §6).
type Config struct {
	ConsoleLevel     Level
	SDCardLevel      Level
	FlashLevel       Level
	BufferSize       int
	MaxMessageSize   int
	IncludeTimestamp bool
	IncludeLevel     bool
	IncludeCoreID    bool
	ColorOutput      bool
}

// DefaultConfig matches spec §4.5's stated default max_message_size.
func DefaultConfig() Config {
	return Config{
		ConsoleLevel:     Info,
		SDCardLevel:      Warn,
		FlashLevel:       Warn,
		BufferSize:       16 * 1024,
		MaxMessageSize:   256,
		IncludeTimestamp: true,
		IncludeLevel:     true,
		IncludeCoreID:    true,
		ColorOutput:      true,
	}
}

// ConsoleWriter is where the fast path writes; normally os.Stdout.
type ConsoleWriter interface {
	Write(p []byte) (int, error)
}

type destState struct {
	dest    Destination
	breaker *gobreaker.CircuitBreaker
	catcher temperrcatcher.TempErrCatcher
}

// Pipeline is the Log Pipeline.
type Pipeline struct {
	cfg    Config
	boot   time.Time
	console ConsoleWriter
	encoder zapcore.Encoder

	registry *spinlock.Registry
	consoleSlot spinlock.Slot
	logSlot     spinlock.Slot
	spinlocksReady bool

	fallback sync.Mutex // used for both console and log locks before FULL

	r *ring

	destMu sync.Mutex
	dests  []*destState

	overflowLogged uint64
	dropsSinceWarn uint64
}

// New constructs a Pipeline. Before InitSpinlocks is called, both the
// console and log critical sections use the fallback mutex (spec §4.5:
// "During early boot ... a fallback non-hardware mutex is used").
func New(cfg Config, console ConsoleWriter) *Pipeline {
	boot := time.Now()
	encCfg := zapcore.EncoderConfig{
		TimeKey:    "T",
		LevelKey:   "L",
		NameKey:    "N",
		MessageKey: "M",
		LineEnding: "",
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			elapsed := t.Sub(boot)
			enc.AppendString(fmt.Sprintf("[%05d.%03d]", int64(elapsed.Seconds()), elapsed.Milliseconds()%1000))
		},
		EncodeLevel:      zapEncodeLevelBracketed,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
	return &Pipeline{
		cfg:     cfg,
		boot:    boot,
		console: console,
		encoder: zapcore.NewConsoleEncoder(encCfg),
		r:       newRing(cfg.BufferSize),
	}
}

// zapEncodeLevelBracketed renders a level as `[LEVEL]`, matching spec
// §4.5's fixed prefix-field format; zap's built-in CapitalLevelEncoder
// omits the brackets.
func zapEncodeLevelBracketed(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + l.CapitalString() + "]")
}

// AttachRegistry wires the spinlock registry this pipeline will claim
// its console/log slots from once the registry reaches phase FULL.
func (p *Pipeline) AttachRegistry(reg *spinlock.Registry) {
	p.registry = reg
	reg.RegisterComponent("logpipe", spinlock.PhaseTracking, nil, func(interface{}) {
		slot, res := reg.Allocate(spinlock.CategoryLogging, "logpipe.console")
		if res.Success() {
			p.consoleSlot = slot
		}
		slot2, res2 := reg.Allocate(spinlock.CategoryLogging, "logpipe.queue")
		if res2.Success() {
			p.logSlot = slot2
		}
	})
}

// InitSpinlocks transitions from the fallback mutex to hardware
// spinlocks in one step (spec §4.5), after which the fallback is no
// longer used.
func (p *Pipeline) InitSpinlocks() kerrors.Result {
	if p.registry == nil || p.registry.InitPhase() < spinlock.PhaseFull {
		return kerrors.New(kerrors.InvalidState, "spinlock registry not at phase FULL")
	}
	p.spinlocksReady = true
	return kerrors.Ok
}

// AddDestination registers a durable sink behind a circuit breaker.
func (p *Pipeline) AddDestination(d Destination) {
	p.destMu.Lock()
	defer p.destMu.Unlock()
	p.dests = append(p.dests, &destState{
		dest: d,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        d.Name(),
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
		}),
	})
}

func (p *Pipeline) consoleLock() func() {
	if p.spinlocksReady {
		state := p.registry.Acquire(p.consoleSlot, 0)
		return func() { p.registry.Release(state) }
	}
	p.fallback.Lock()
	return p.fallback.Unlock
}

func (p *Pipeline) logLock() func() {
	if p.spinlocksReady {
		state := p.registry.Acquire(p.logSlot, 0)
		return func() { p.registry.Release(state) }
	}
	p.fallback.Lock()
	return p.fallback.Unlock
}

// Log is the single entry point for log calls from any context (spec
// §4.5). module is the fixed-order `[module]` prefix field, core is the
// `[Cn]` field.
func (p *Pipeline) Log(level Level, core int, module string, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > p.cfg.MaxMessageSize {
		msg = msg[:p.cfg.MaxMessageSize]
	}

	if p.registry == nil {
		// Before init: direct synchronous console write (spec §4.5
		// failure semantics: "log_message called before init emits a
		// direct synchronous write to the console and returns").
		p.writeConsole(level, core, module, msg)
		return
	}

	if level >= p.cfg.ConsoleLevel {
		p.writeConsole(level, core, module, msg)
	}

	needsDurable := level >= p.cfg.SDCardLevel || level >= p.cfg.FlashLevel
	if !needsDurable {
		return
	}

	line := p.formatLine(level, core, module, msg)
	unlock := p.logLock()
	ok := p.r.push([]byte(line))
	overflow := p.r.overflowCount()
	unlock()

	if !ok {
		p.dropsSinceWarn++
		if p.dropsSinceWarn >= 100 {
			p.dropsSinceWarn = 0
			p.writeConsole(Warn, core, "logpipe", fmt.Sprintf("ring overflow, %d total drops", overflow))
		}
	}
}

func (p *Pipeline) formatLine(level Level, core int, module, msg string) string {
	var b bytes.Buffer
	if p.cfg.IncludeTimestamp {
		elapsed := time.Since(p.boot)
		fmt.Fprintf(&b, "[%05d.%03d] ", int64(elapsed.Seconds()), (elapsed.Milliseconds())%1000)
	}
	if p.cfg.IncludeLevel {
		fmt.Fprintf(&b, "[%s] ", level)
	}
	if p.cfg.IncludeCoreID {
		fmt.Fprintf(&b, "[C%d] ", core)
	}
	fmt.Fprintf(&b, "[%s] %s", module, msg)
	return b.String()
}

func (p *Pipeline) writeConsole(level Level, core int, module, msg string) {
	var name string
	if p.cfg.IncludeCoreID {
		name = fmt.Sprintf("[C%d] [%s]", core, module)
	} else {
		name = fmt.Sprintf("[%s]", module)
	}
	entry := zapcore.Entry{
		Level:      level.zapLevel(),
		Time:       time.Now(),
		LoggerName: name,
		Message:    msg,
	}
	buf, err := p.encoder.EncodeEntry(entry, nil)
	var line string
	if err != nil {
		line = p.formatLine(level, core, module, msg)
	} else {
		line = buf.String()
		buf.Free()
	}
	if !p.cfg.IncludeTimestamp || !p.cfg.IncludeLevel {
		line = p.formatLine(level, core, module, msg) // fixed-at-init prefix selection overrides the encoder's default full prefix
	}

	if p.cfg.ColorOutput {
		if c, ok := levelColor[level]; ok {
			line = c + line + colorReset
		}
	}
	line += "\n"

	unlock := p.consoleLock()
	defer unlock()
	_, _ = p.console.Write([]byte(line))
}

// Drain implements the dedicated log task (spec §4.5): at most 2
// records per activation, to preserve responsiveness.
func (p *Pipeline) Drain() {
	for i := 0; i < 2; i++ {
		unlock := p.logLock()
		payload, ok, catastrophic := p.r.popFrame(p.cfg.MaxMessageSize)
		unlock()

		if catastrophic {
			p.writeConsole(Error, 0, "logpipe", "corrupted ring frame, ring reset")
			return
		}
		if !ok {
			return
		}
		p.emitToDurable(string(payload))
	}
}

func (p *Pipeline) emitToDurable(line string) {
	p.destMu.Lock()
	dests := append([]*destState(nil), p.dests...)
	p.destMu.Unlock()

	for _, ds := range dests {
		_, err := ds.breaker.Execute(func() (interface{}, error) {
			return nil, ds.dest.WriteRecord(line)
		})
		if err != nil && ds.catcher.IsTemporary(err) {
			// Half-open probe territory; gobreaker already tracks the
			// failure, nothing further to do until the next drain.
			continue
		}
	}
}

// Overflow returns the total dropped-record count (`stats`/`hw_stats`
// shell commands).
func (p *Pipeline) Overflow() uint64 {
	return p.r.overflowCount()
}
