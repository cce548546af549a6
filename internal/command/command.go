// Package command is the single-consumer command loop from spec.md
// §4.6/§5: every mutation of manager state passes through one goroutine,
// serialised by channel arrival order, with a biased select that always
// prefers a shutdown signal over a queued command — modeled on the
// teacher's kernel.Processor.Run select loop (ctx-done vs. ticker vs.
// channel-recv).
package command

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bpfmand/bpfmand/internal/audit"
	"github.com/bpfmand/bpfmand/internal/model"
	"github.com/bpfmand/bpfmand/internal/observability"
	"github.com/bpfmand/bpfmand/internal/registry"
)

// Kind identifies a command's operation, matching spec.md §4.6's message set.
type Kind uint8

const (
	KindLoadXDP Kind = iota
	KindLoadTC
	KindLoadTracepoint
	KindLoadKprobe
	KindLoadUprobe
	KindUnload
	KindList
	KindGet
	KindPullBytecode
	KindRebuildState
)

// Result is a command's outcome, delivered on a one-shot reply channel.
type Result struct {
	ID      uint32
	Entries []registry.Entry
	Entry   registry.Entry
	Found   bool
	Err     error
}

// Command is one message accepted by the loop: its arguments plus a
// one-shot reply channel, per spec.md §4.6.
type Command struct {
	Kind Kind
	Reply chan Result

	Program   model.Program
	ProgramID *uint32
	Requester string
	UnloadID  uint32
	GetID     uint32
	Filter    registry.Filter
	PullRef   model.Location
}

// Manager is the single entry point external collaborators (the
// out-of-scope RPC layer) call into, per SPEC_FULL.md §6.
type Manager struct {
	commands chan Command
	registry *registry.Registry
	auditDB  *audit.DB
	metrics  *observability.Metrics
	log      *zap.Logger
}

// NewManager returns a Manager whose command channel has the given
// buffer depth; Run must be started in its own goroutine before any
// Submit call can complete. auditDB and metrics may be nil in tests
// that don't care about the audit ledger or the bpfmand_command_*
// metrics.
func NewManager(reg *registry.Registry, queueDepth int, auditDB *audit.DB, metrics *observability.Metrics, log *zap.Logger) *Manager {
	return &Manager{
		commands: make(chan Command, queueDepth),
		registry: reg,
		auditDB:  auditDB,
		metrics:  metrics,
		log:      log,
	}
}

// Submit enqueues cmd and blocks for its reply, or returns ctx's error
// if cancelled first — cancellation here only abandons waiting for the
// reply, it never aborts an already-accepted command (spec.md §5).
func (m *Manager) Submit(ctx context.Context, cmd Command) (Result, error) {
	cmd.Reply = make(chan Result, 1)
	select {
	case m.commands <- cmd:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-cmd.Reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run is the single-consumer reactor. It exits once shutdown is
// cancelled, draining no further command — biased selection checks
// shutdown first on every iteration so a crowded channel cannot delay
// termination, matching spec.md §4.6 exactly.
func (m *Manager) Run(shutdown <-chan struct{}) {
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		select {
		case <-shutdown:
			return
		case cmd := <-m.commands:
			if m.metrics != nil {
				m.metrics.CommandQueueDepth.Set(float64(len(m.commands)))
			}
			m.dispatch(cmd)
		}
	}
}

func (m *Manager) dispatch(cmd Command) {
	start := time.Now()
	res := m.execute(cmd)
	if m.metrics != nil {
		m.metrics.CommandLatency.WithLabelValues(cmd.Kind.String()).Observe(time.Since(start).Seconds())
	}
	m.recordAudit(cmd, res)
	select {
	case cmd.Reply <- res:
	default:
	}
}

// recordAudit appends one ledger entry per accepted command, per
// SPEC_FULL.md §2.5 — a no-op if no audit database was configured.
func (m *Manager) recordAudit(cmd Command, res Result) {
	if m.auditDB == nil {
		return
	}
	entry := audit.Entry{
		Command:   cmd.Kind.String(),
		ProgramID: auditProgramID(cmd, res),
		Requester: cmd.Requester,
		Outcome:   "ok",
	}
	if res.Err != nil {
		entry.Outcome = "error"
		entry.Detail = res.Err.Error()
	}
	if err := m.auditDB.Append(entry); err != nil {
		m.log.Warn("audit append failed", zap.Error(err), zap.String("command", entry.Command))
	}
}

// auditProgramID picks the program id most relevant to cmd's outcome:
// the assigned id for a load, the target id for an unload/get, or 0 for
// commands with no single program in scope.
func auditProgramID(cmd Command, res Result) uint32 {
	switch cmd.Kind {
	case KindLoadXDP, KindLoadTC, KindLoadTracepoint, KindLoadKprobe, KindLoadUprobe:
		return res.ID
	case KindUnload:
		return cmd.UnloadID
	case KindGet:
		return cmd.GetID
	default:
		return 0
	}
}

// execute recovers from a panic in any handler, converting it to
// model.CodeInternal rather than crashing the single command-loop
// goroutine and taking the whole manager down with it.
func (m *Manager) execute(cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("command handler panicked", zap.Any("panic", r), zap.Int("kind", int(cmd.Kind)))
			res = Result{Err: model.NewError(model.CodeInternal, "internal error: %v", r)}
		}
	}()

	switch cmd.Kind {
	case KindLoadXDP, KindLoadTC, KindLoadTracepoint, KindLoadKprobe, KindLoadUprobe:
		id, err := m.registry.Add(cmd.Program, cmd.ProgramID)
		return Result{ID: id, Err: err}
	case KindUnload:
		err := m.registry.Remove(cmd.UnloadID, cmd.Requester)
		return Result{Err: err}
	case KindList:
		entries, err := m.registry.List(cmd.Filter)
		return Result{Entries: entries, Err: err}
	case KindGet:
		entry, found, err := m.registry.Get(cmd.GetID)
		return Result{Entry: entry, Found: found, Err: err}
	case KindPullBytecode:
		// Bytecode pulling happens lazily inside registry.Add via the
		// configured BytecodeSource; this command exists so an external
		// caller can pre-warm the content store without also loading a
		// program — handled entirely by the (out of scope) puller, so
		// there is nothing for the manager itself to do beyond the ack.
		return Result{}
	case KindRebuildState:
		err := m.registry.RebuildState()
		return Result{Err: err}
	default:
		return Result{Err: model.NewError(model.CodeInternal, "unknown command kind %d", cmd.Kind)}
	}
}

func (k Kind) String() string {
	switch k {
	case KindLoadXDP:
		return "load-xdp"
	case KindLoadTC:
		return "load-tc"
	case KindLoadTracepoint:
		return "load-tracepoint"
	case KindLoadKprobe:
		return "load-kprobe"
	case KindLoadUprobe:
		return "load-uprobe"
	case KindUnload:
		return "unload"
	case KindList:
		return "list"
	case KindGet:
		return "get"
	case KindPullBytecode:
		return "pull-bytecode"
	case KindRebuildState:
		return "rebuild-state"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}
