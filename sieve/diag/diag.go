// Package diag collects compile and runtime diagnostics for script authors.
package diag

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/sieve/ast"
)

// MaxMessageLen caps the length of a stored diagnostic message.
const MaxMessageLen = 256

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Location identifies where a diagnostic applies.
type Location struct {
	Script string
	Pos    ast.Position
}

func (l Location) String() string {
	name := l.Script
	if name == "" {
		name = "script"
	}
	if !l.Pos.IsValid() {
		return name
	}
	return fmt.Sprintf("%s: line %d", name, l.Pos.Line)
}

// Diagnostic is one reported problem.
type Diagnostic struct {
	Severity Severity
	Location Location
	Message  string
}

func (d Diagnostic) Error() string {
	if d.Severity == Error {
		return fmt.Sprintf("%s: %s", d.Location, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Location, d.Severity, d.Message)
}

// Handler records diagnostics. Messages are sanitized and capped before they
// are stored. Once maxErrors errors are recorded one summary diagnostic is
// added and further errors are only counted. A nil *Handler discards
// everything.
type Handler struct {
	maxErrors int
	errors    int
	warnings  int
	diags     []Diagnostic
	capped    bool
	log       *slog.Logger
}

// NewHandler creates a handler. maxErrors <= 0 means unlimited.
func NewHandler(maxErrors int) *Handler {
	return &Handler{maxErrors: maxErrors}
}

// WithLogger forwards every recorded diagnostic to l as well.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.log = l
	return h
}

func (h *Handler) add(sev Severity, loc Location, format string, args ...any) {
	if h == nil {
		return
	}
	msg := helpers.StrSanitize(fmt.Sprintf(format, args...), MaxMessageLen)

	switch sev {
	case Error:
		h.errors++
		if h.maxErrors > 0 && h.errors > h.maxErrors {
			if !h.capped {
				h.capped = true
				h.diags = append(h.diags, Diagnostic{
					Severity: Error,
					Location: Location{Script: loc.Script},
					Message:  "too many errors",
				})
			}
			return
		}
	case Warning:
		h.warnings++
	}

	d := Diagnostic{Severity: sev, Location: loc, Message: msg}
	h.diags = append(h.diags, d)

	if h.log != nil {
		attrs := []any{"location", loc.String()}
		switch sev {
		case Error:
			h.log.Info("sieve error: "+msg, attrs...)
		case Warning:
			h.log.Info("sieve warning: "+msg, attrs...)
		default:
			h.log.Debug("sieve: "+msg, attrs...)
		}
	}
}

// Errorf records an error.
func (h *Handler) Errorf(loc Location, format string, args ...any) {
	h.add(Error, loc, format, args...)
}

// Warningf records a warning.
func (h *Handler) Warningf(loc Location, format string, args ...any) {
	h.add(Warning, loc, format, args...)
}

// Infof records an informational message.
func (h *Handler) Infof(loc Location, format string, args ...any) {
	h.add(Info, loc, format, args...)
}

// Errors returns the number of errors reported, including those past the cap.
func (h *Handler) Errors() int {
	if h == nil {
		return 0
	}
	return h.errors
}

// Warnings returns the number of warnings reported.
func (h *Handler) Warnings() int {
	if h == nil {
		return 0
	}
	return h.warnings
}

// Diagnostics returns the recorded diagnostics in report order.
func (h *Handler) Diagnostics() []Diagnostic {
	if h == nil {
		return nil
	}
	return h.diags
}

// Reset forgets everything recorded so far.
func (h *Handler) Reset() {
	if h == nil {
		return
	}
	h.errors, h.warnings, h.capped = 0, 0, false
	h.diags = nil
}

// Err returns the recorded errors joined, or nil when there are none.
func (h *Handler) Err() error {
	if h.Errors() == 0 {
		return nil
	}
	var errs []error
	for _, d := range h.diags {
		if d.Severity == Error {
			errs = append(errs, d)
		}
	}
	return errors.Join(errs...)
}

// String renders all diagnostics one per line.
func (h *Handler) String() string {
	var b strings.Builder
	for _, d := range h.Diagnostics() {
		b.WriteString(d.Error())
		b.WriteByte('\n')
	}
	return b.String()
}
