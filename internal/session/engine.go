// Package session runs the call state machine and the per-turn pipeline:
// history, retrieval, prompt assembly, generation and transcript writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/voicekb/internal/apperr"
	"github.com/rcliao/voicekb/internal/history"
	"github.com/rcliao/voicekb/internal/llm"
	"github.com/rcliao/voicekb/internal/logging"
	"github.com/rcliao/voicekb/internal/metrics"
	"github.com/rcliao/voicekb/internal/model"
	"github.com/rcliao/voicekb/internal/prompt"
	"github.com/rcliao/voicekb/internal/retrieval"
	"github.com/rcliao/voicekb/internal/turnlock"
)

// ErrCallEnded is returned by HandleTurn when the call ends while the turn is
// in flight.
var ErrCallEnded = errors.New("call ended during turn")

// Sessions persists call sessions. *store.SQLiteStore satisfies it.
type Sessions interface {
	SaveSession(ctx context.Context, cs *model.CallSession) error
	GetSession(ctx context.Context, callSID string) (*model.CallSession, error)
}

// Retriever finds knowledge snippets for a turn.
type Retriever interface {
	Retrieve(ctx context.Context, kbID, query string, topK int) ([]retrieval.Snippet, error)
}

// Deps are the collaborators of an Engine. Retriever and Guard are optional.
type Deps struct {
	Sessions  Sessions
	History   history.Store
	Retriever Retriever
	Assembler *prompt.Assembler
	Generator llm.Generator
	Guard     turnlock.Guard
	Logger    *zap.Logger
}

// CallStart describes an incoming call.
type CallStart struct {
	CallSID         string
	From            string
	To              string
	UserID          string
	KnowledgeBaseID string
}

// TurnEvent is one transcribed caller utterance.
type TurnEvent struct {
	CallSID string
	Text    string
}

// Reply is what the caller hears after a turn.
type Reply struct {
	Text          string              `json:"text"`
	KeepListening bool                `json:"keep_listening"`
	State         model.CallState     `json:"state"`
	Grounded      bool                `json:"grounded"`
	Snippets      []retrieval.Snippet `json:"snippets,omitempty"`
}

type call struct {
	session model.CallSession
	trace   logging.Trace
	logger  *zap.Logger
	// cancel aborts the in-flight turn, if any.
	cancel context.CancelFunc
}

// Engine owns the table of active calls. All state transitions happen under
// its mutex.
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu     sync.Mutex
	active map[string]*call
}

// New creates an engine.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	if deps.Guard == nil {
		deps.Guard = turnlock.NewLocal()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Assembler == nil {
		deps.Assembler = prompt.New(0, nil)
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		active: make(map[string]*call),
	}
}

// StartCall registers a call and moves it to AWAITING_INPUT. Repeating the
// start of an active call returns it unchanged; an archived call cannot be
// restarted.
func (e *Engine) StartCall(ctx context.Context, cs CallStart) (*model.CallSession, error) {
	if cs.CallSID == "" || cs.UserID == "" {
		return nil, apperr.New(apperr.InvalidInput, "call start needs a call sid and a user")
	}
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.active[cs.CallSID]; ok {
		out := c.session
		return &out, nil
	}

	prev, err := e.deps.Sessions.GetSession(ctx, cs.CallSID)
	switch {
	case err == nil && prev.State.Terminal():
		return nil, apperr.New(apperr.InvalidStateTransition, "call %s already %s", cs.CallSID, prev.State)
	case err == nil:
		// Persisted by an earlier process; resume it.
		c := e.newCall(*prev)
		c.session.State = model.StateAwaitingInput
		e.active[cs.CallSID] = c
		metrics.SetActiveCalls(len(e.active))
		c.logger.Info("call resumed")
		out := c.session
		return &out, nil
	case !errors.Is(err, apperr.ErrSessionNotFound):
		return nil, fmt.Errorf("look up call: %w", err)
	}

	now := e.now().UTC()
	c := e.newCall(model.CallSession{
		CallSID:         cs.CallSID,
		UserID:          cs.UserID,
		KnowledgeBaseID: cs.KnowledgeBaseID,
		From:            cs.From,
		To:              cs.To,
		State:           model.StateInitiated,
		CreatedAt:       now,
		LastActivityAt:  now,
	})
	if err := e.deps.Sessions.SaveSession(ctx, &c.session); err != nil {
		return nil, fmt.Errorf("save call: %w", err)
	}
	e.active[cs.CallSID] = c
	metrics.SetActiveCalls(len(e.active))
	e.transition(ctx, c, model.StateAwaitingInput)
	c.logger.Info("call started", zap.String("kb_id", cs.KnowledgeBaseID))

	out := c.session
	return &out, nil
}

func (e *Engine) newCall(cs model.CallSession) *call {
	tr := logging.NewTrace(cs.UserID, cs.CallSID)
	return &call{session: cs, trace: tr, logger: tr.Logger(e.deps.Logger)}
}

// HandleTurn processes one caller utterance.
func (e *Engine) HandleTurn(ctx context.Context, ev TurnEvent) (*Reply, error) {
	start := time.Now()
	text := strings.TrimSpace(ev.Text)
	persistCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	c, err := e.lookupActive(persistCtx, ev.CallSID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	switch c.session.State {
	case model.StateAwaitingInput:
	case model.StateProcessing:
		e.mu.Unlock()
		return nil, apperr.New(apperr.ConcurrentTurnConflict, "call %s is processing a turn", ev.CallSID)
	default:
		state := c.session.State
		e.mu.Unlock()
		return nil, apperr.New(apperr.InvalidStateTransition, "call %s cannot take a turn in state %s", ev.CallSID, state)
	}
	if text == "" {
		e.mu.Unlock()
		return &Reply{Text: e.cfg.Reprompt, KeepListening: true, State: model.StateAwaitingInput}, nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	e.transition(persistCtx, c, model.StateProcessing)
	sess := c.session
	logger := c.logger
	e.mu.Unlock()

	defer cancel()

	release, err := e.deps.Guard.Acquire(turnCtx, ev.CallSID)
	if err != nil {
		e.finishTurn(persistCtx, c, false)
		metrics.ObserveTurn("conflict", start)
		return nil, err
	}
	defer release()

	reply, err := e.runTurn(turnCtx, sess, text, logger)
	switch {
	case turnCtx.Err() != nil && ctx.Err() == nil:
		// EndCall cancelled the turn; the call is already archived.
		metrics.ObserveTurn("cancelled", start)
		return nil, fmt.Errorf("%w: %s", ErrCallEnded, ev.CallSID)
	case err == nil:
		e.finishTurn(persistCtx, c, true)
		reply.State = model.StateAwaitingInput
		metrics.ObserveTurn("ok", start)
		return reply, nil
	case errors.Is(err, errGeneration):
		ended := e.failCall(persistCtx, c, err)
		metrics.ObserveTurn("error", start)
		if !ended {
			return nil, fmt.Errorf("%w: %s", ErrCallEnded, ev.CallSID)
		}
		return &Reply{Text: e.cfg.FallbackMessage, KeepListening: false, State: model.StateError}, nil
	default:
		e.finishTurn(persistCtx, c, false)
		metrics.ObserveTurn("failed", start)
		logger.Warn("turn failed", zap.Error(err))
		return nil, err
	}
}

// errGeneration marks a language model failure that survived retries.
var errGeneration = errors.New("generation failed")

func (e *Engine) runTurn(ctx context.Context, sess model.CallSession, text string, logger *zap.Logger) (*Reply, error) {
	past, err := e.deps.History.RecentMessages(ctx, sess.CallSID, e.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	var snippets []retrieval.Snippet
	if sess.KnowledgeBaseID != "" && e.deps.Retriever != nil {
		snippets, err = e.deps.Retriever.Retrieve(ctx, sess.KnowledgeBaseID, text, e.cfg.TopK)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Answer ungrounded rather than fail the turn.
			logger.Warn("retrieval skipped", zap.String("kb_id", sess.KnowledgeBaseID), zap.Error(err))
			snippets = nil
		}
	}

	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = s.Text
	}
	p, err := e.deps.Assembler.Assemble(prompt.Input{
		System:    e.cfg.System,
		Snippets:  texts,
		History:   past,
		UserInput: text,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble prompt: %w", err)
	}
	metrics.AddPromptDropped("history", p.DroppedHistory)
	metrics.AddPromptDropped("snippets", p.DroppedSnippets)
	if p.OverBudget {
		logger.Warn("prompt over budget", zap.Int("units", p.Units))
	}
	kept := snippets[:len(snippets)-p.DroppedSnippets]

	if _, err := e.deps.History.AppendMessage(ctx, sess.CallSID, model.RoleUser, text); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	answer, err := e.generate(ctx, p, logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Join(errGeneration, err)
	}

	if _, err := e.deps.History.AppendMessage(ctx, sess.CallSID, model.RoleAssistant, answer); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}

	logger.Info("turn complete",
		zap.Int("snippets", len(kept)),
		zap.Int("history", len(past)-p.DroppedHistory),
		zap.Int("prompt_units", p.Units))
	return &Reply{
		Text:          answer,
		KeepListening: true,
		Grounded:      len(kept) > 0,
		Snippets:      kept,
	}, nil
}

// finishTurn returns a call from PROCESSING to AWAITING_INPUT unless it was
// ended meanwhile.
func (e *Engine) finishTurn(ctx context.Context, c *call, activity bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.cancel = nil
	if c.session.State != model.StateProcessing {
		return
	}
	if activity {
		c.session.LastActivityAt = e.now().UTC()
	}
	e.transition(ctx, c, model.StateAwaitingInput)
}

// failCall moves a call to ERROR and archives it. It reports false if the
// call had already left PROCESSING.
func (e *Engine) failCall(ctx context.Context, c *call, cause error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.cancel = nil
	if c.session.State != model.StateProcessing {
		return false
	}
	c.session.ErrorKind = string(apperr.KindOf(cause))
	if c.session.ErrorKind == "" {
		c.session.ErrorKind = string(apperr.ProviderUnavailable)
	}
	c.session.Retryable = apperr.IsRetryable(cause)
	c.logger.Error("call failed", zap.Error(cause), zap.Bool("retryable", c.session.Retryable))
	e.terminate(ctx, c, model.StateError)
	return true
}

// EndCall hangs up a call. An in-flight turn is cancelled; messages already
// written stay. Ending an archived call returns it unchanged.
func (e *Engine) EndCall(ctx context.Context, callSID, reason string) (*model.CallSession, error) {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.active[callSID]
	if !ok {
		return e.deps.Sessions.GetSession(ctx, callSID)
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.logger.Info("call ended", zap.String("reason", reason))
	e.terminate(ctx, c, model.StateEnded)
	out := c.session
	return &out, nil
}

// terminate moves c to a terminal state and drops it from the active table.
// Callers hold e.mu.
func (e *Engine) terminate(ctx context.Context, c *call, to model.CallState) {
	now := e.now().UTC()
	c.session.EndedAt = &now
	e.transition(ctx, c, to)
	delete(e.active, c.session.CallSID)
	metrics.SetActiveCalls(len(e.active))
}

// transition applies one edge of the call graph and persists the result.
// Callers hold e.mu. Persistence failures are logged; the in-memory state is
// authoritative while the call is active.
func (e *Engine) transition(ctx context.Context, c *call, to model.CallState) {
	from := c.session.State
	if !model.CanTransition(from, to) {
		c.logger.Error("illegal transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	c.session.State = to
	metrics.IncTransition(string(from), string(to))
	if err := e.deps.Sessions.SaveSession(ctx, &c.session); err != nil {
		c.logger.Warn("persist call state", zap.String("state", string(to)), zap.Error(err))
	}
}

// lookupActive returns the active call or the error explaining why there is
// none. Callers hold e.mu.
func (e *Engine) lookupActive(ctx context.Context, callSID string) (*call, error) {
	if c, ok := e.active[callSID]; ok {
		return c, nil
	}
	archived, err := e.deps.Sessions.GetSession(ctx, callSID)
	if err != nil {
		return nil, err
	}
	return nil, apperr.New(apperr.InvalidStateTransition, "call %s is %s", callSID, archived.State)
}

// Session returns a snapshot of an active or archived call.
func (e *Engine) Session(ctx context.Context, callSID string) (*model.CallSession, error) {
	e.mu.Lock()
	if c, ok := e.active[callSID]; ok {
		out := c.session
		e.mu.Unlock()
		return &out, nil
	}
	e.mu.Unlock()
	return e.deps.Sessions.GetSession(ctx, callSID)
}

// Transcript returns every message of a call in sequence order.
func (e *Engine) Transcript(ctx context.Context, callSID string) ([]model.Message, error) {
	if _, err := e.Session(ctx, callSID); err != nil {
		return nil, err
	}
	return e.deps.History.MessageRange(ctx, callSID, 1, 0)
}

// ActiveCalls returns snapshots of the active calls, oldest first.
func (e *Engine) ActiveCalls() []model.CallSession {
	e.mu.Lock()
	out := make([]model.CallSession, 0, len(e.active))
	for _, c := range e.active {
		out = append(out, c.session)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b model.CallSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Sweep ends calls idle for longer than idle and returns how many it ended.
// Calls with a turn in flight are never idle.
func (e *Engine) Sweep(ctx context.Context, idle time.Duration) int {
	cutoff := e.now().Add(-idle)
	var stale []string
	e.mu.Lock()
	for sid, c := range e.active {
		if c.session.State != model.StateProcessing && c.session.LastActivityAt.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	e.mu.Unlock()

	for _, sid := range stale {
		e.EndCall(ctx, sid, "idle timeout")
	}
	return len(stale)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if e.cfg.IdleTimeout <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.Sweep(ctx, e.cfg.IdleTimeout); n > 0 {
				e.deps.Logger.Info("idle calls ended", zap.Int("count", n))
			}
		}
	}
}
