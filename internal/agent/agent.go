// Package agent implements the client-resident enforcement state machine.
//
// The agent enforces environmental constraints (constrained display mode,
// focus, clipboard) during a quiz attempt and reports violations through an
// injected sink. Enforcement is best-effort: a hostile client can
// always defeat it, so the hard requirement is visibility of non-compliance,
// never technical prevention. Reporting is fire-and-forget — a failed or slow
// delivery must not change any local transition.
//
// All state lives on one Agent instance per quiz attempt; there is no
// process-wide state. Transitions happen on discrete external triggers (user
// events, timers) and never block.
package agent

import (
	"sync"
	"time"

	"github.com/quizlive/integrity/internal/telemetry"
)

// State is the agent's enforcement phase.
type State string

const (
	// StateIdle: no active quiz, nothing is enforced.
	StateIdle State = "idle"
	// StateArmed: quiz running, environment constraints enforced.
	StateArmed State = "armed"
	// StateViolationPending: a constraint is broken, re-entry in progress.
	StateViolationPending State = "violation_pending"
)

// Defaults for the enforcement configuration.
const (
	DefaultMaxViolations   = 3
	DefaultWarningDuration = 5 * time.Second
	DefaultReentryDelay    = 2 * time.Second

	// DefaultMinAnswerMillis is the client-side fast-answer pre-check. It is
	// a UX hint only; the server's 500ms floor is the sole authority.
	DefaultMinAnswerMillis = 1000
)

// Violation is one locally observed constraint breach handed to the sink.
type Violation struct {
	ActivityType telemetry.ActivityType
	Severity     telemetry.Severity
	Details      map[string]any
}

// Sink receives violations for delivery to the server. Implementations must
// not block and must swallow delivery failures; local enforcement continues
// even when reporting is down.
type Sink interface {
	Report(v *Violation)
}

// Display abstracts the constrained display mode (fullscreen in browsers).
type Display interface {
	// EnterConstrained attempts to acquire the constrained mode.
	EnterConstrained() error
	// ExitConstrained releases it.
	ExitConstrained()
	// Constrained reports whether the mode is currently held.
	Constrained() bool
}

// Warner shows the transient violation overlay to the participant.
type Warner interface {
	ShowWarning(message string)
	ClearWarning()
}

// Timer is a cancellable deferred call.
type Timer interface {
	Stop() bool
}

// TimerSource creates timers; injected so tests can fire them by hand.
type TimerSource interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realTimerSource struct{}

func (realTimerSource) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Config tunes the enforcement state machine.
type Config struct {
	MaxViolations   int
	WarningDuration time.Duration
	ReentryDelay    time.Duration
	MinAnswerMillis int64
}

// DefaultConfig returns the reference enforcement configuration.
func DefaultConfig() Config {
	return Config{
		MaxViolations:   DefaultMaxViolations,
		WarningDuration: DefaultWarningDuration,
		ReentryDelay:    DefaultReentryDelay,
		MinAnswerMillis: DefaultMinAnswerMillis,
	}
}

// Agent is the enforcement state machine for one quiz attempt.
type Agent struct {
	mu      sync.Mutex
	state   State
	cfg     Config
	sink    Sink
	display Display
	warner  Warner
	timers  TimerSource

	violations   int
	warningTimer Timer
	reentryTimer Timer
}

// Option configures the Agent.
type Option func(*Agent)

// WithTimerSource injects a timer source (for deterministic tests).
func WithTimerSource(ts TimerSource) Option {
	return func(a *Agent) { a.timers = ts }
}

// WithWarner injects the warning overlay surface.
func WithWarner(w Warner) Option {
	return func(a *Agent) { a.warner = w }
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(a *Agent) { a.cfg = cfg }
}

// noopWarner is used when no warning surface is wired (headless tests).
type noopWarner struct{}

func (noopWarner) ShowWarning(string) {}
func (noopWarner) ClearWarning()      {}

// New creates an Idle agent.
func New(sink Sink, display Display, opts ...Option) *Agent {
	a := &Agent{
		state:   StateIdle,
		cfg:     DefaultConfig(),
		sink:    sink,
		display: display,
		warner:  noopWarner{},
		timers:  realTimerSource{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current enforcement phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Violations returns the running violation counter for this attempt.
func (a *Agent) Violations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.violations
}

// StartQuiz arms enforcement: Idle→Armed. A refusal to grant the constrained
// mode is reported as FULLSCREEN_DENIED but does not block the participant —
// the agent arms anyway and keeps trying.
func (a *Agent) StartQuiz() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateIdle {
		return
	}
	a.state = StateArmed
	a.violations = 0

	if err := a.display.EnterConstrained(); err != nil {
		a.report(&Violation{
			ActivityType: telemetry.ActivityFullscreenDenied,
			Severity:     telemetry.SeverityMedium,
			Details:      map[string]any{"error": err.Error()},
		})
	}
}

// EndQuiz disarms from any state: releases the constrained mode, cancels
// pending timers, clears the warning overlay. No enforcement event is ever
// emitted after EndQuiz returns.
func (a *Agent) EndQuiz() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateIdle {
		return
	}
	a.state = StateIdle
	a.cancelTimersLocked()
	a.warner.ClearWarning()
	a.display.ExitConstrained()
}

// ConstrainedModeChanged is the browser's notification that the constrained
// mode was gained or lost. Loss while Armed is a violation; regaining it
// while ViolationPending recovers without explicit acknowledgement.
func (a *Agent) ConstrainedModeChanged(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.state == StateArmed && !active:
		a.violationLocked()
	case a.state == StateViolationPending && active:
		a.recoverLocked()
	}
}

// violationLocked handles one constrained-mode exit.
func (a *Agent) violationLocked() {
	a.violations++
	a.state = StateViolationPending

	severity := telemetry.SeverityMedium
	if a.violations >= a.cfg.MaxViolations {
		severity = telemetry.SeverityCritical
	}
	a.report(&Violation{
		ActivityType: telemetry.ActivityFullscreenExit,
		Severity:     severity,
		Details: map[string]any{
			"violationCount": a.violations,
			"maxViolations":  a.cfg.MaxViolations,
		},
	})

	a.warner.ShowWarning("Return to fullscreen — this exit has been recorded.")
	if a.warningTimer != nil {
		a.warningTimer.Stop()
	}
	a.warningTimer = a.timers.AfterFunc(a.cfg.WarningDuration, a.warningExpired)

	if a.reentryTimer != nil {
		a.reentryTimer.Stop()
	}
	a.reentryTimer = a.timers.AfterFunc(a.cfg.ReentryDelay, a.attemptReentry)
}

// recoverLocked returns to Armed once compliance is restored.
func (a *Agent) recoverLocked() {
	a.state = StateArmed
	if a.reentryTimer != nil {
		a.reentryTimer.Stop()
		a.reentryTimer = nil
	}
}

// warningExpired clears the overlay after its time box.
func (a *Agent) warningExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateIdle {
		return
	}
	a.warner.ClearWarning()
}

// attemptReentry is the scheduled automatic re-entry after a violation.
func (a *Agent) attemptReentry() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateViolationPending {
		return
	}
	if a.display.Constrained() || a.display.EnterConstrained() == nil {
		a.recoverLocked()
	}
	// On failure, stay pending: the next compliance signal recovers.
}

// TabHidden reports a visibility loss (tab switch) while enforcement is on.
func (a *Agent) TabHidden() {
	a.reportIfEnforcing(telemetry.ActivityTabSwitch, telemetry.SeverityMedium, nil)
}

// WindowBlurred reports a window focus loss while enforcement is on.
func (a *Agent) WindowBlurred() {
	a.reportIfEnforcing(telemetry.ActivityWindowBlur, telemetry.SeverityMedium, nil)
}

// CopyAttempted reports an intercepted clipboard copy.
func (a *Agent) CopyAttempted() {
	a.reportIfEnforcing(telemetry.ActivityCopyAttempt, telemetry.SeverityMedium, nil)
}

// DevtoolsDetected reports an opened developer-tools panel.
func (a *Agent) DevtoolsDetected() {
	a.reportIfEnforcing(telemetry.ActivityDevtoolsOpened, telemetry.SeverityHigh, nil)
}

// UnloadAttempted reports a navigation/close attempt. Returns true when the
// caller should try to intercept it (best-effort).
func (a *Agent) UnloadAttempted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateIdle {
		return false
	}
	a.report(&Violation{
		ActivityType: telemetry.ActivityPageUnloadAttempt,
		Severity:     telemetry.SeverityHigh,
	})
	return true
}

// FullscreenKeyPressed reports the fullscreen-toggle shortcut. Returns true:
// the keystroke is swallowed and reported as a minor violation, not executed.
func (a *Agent) FullscreenKeyPressed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateIdle {
		return false
	}
	a.report(&Violation{
		ActivityType: telemetry.ActivityF11Attempt,
		Severity:     telemetry.SeverityLow,
	})
	return true
}

// SuspiciouslyFast is the non-authoritative client pre-check on answer
// timing, used only to hint the UI. The server's floor is the authority and
// generates the actual event.
func (a *Agent) SuspiciouslyFast(elapsedMs int64) bool {
	return elapsedMs < a.cfg.MinAnswerMillis
}

func (a *Agent) reportIfEnforcing(t telemetry.ActivityType, s telemetry.Severity, details map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateIdle {
		return
	}
	a.report(&Violation{ActivityType: t, Severity: s, Details: details})
}

// report hands a violation to the sink. Fire-and-forget: the sink contract
// forbids blocking, and nothing here depends on delivery.
func (a *Agent) report(v *Violation) {
	a.sink.Report(v)
}

func (a *Agent) cancelTimersLocked() {
	if a.warningTimer != nil {
		a.warningTimer.Stop()
		a.warningTimer = nil
	}
	if a.reentryTimer != nil {
		a.reentryTimer.Stop()
		a.reentryTimer = nil
	}
}
