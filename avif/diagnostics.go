package avif

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// diagnosticsBufferSize bounds the human-readable supplement attached to a
// decoder or encoder, mirroring the fixed-size C diagnostics buffer.
const diagnosticsBufferSize = 256

// Diagnostics collects a short fatal message plus any non-fatal warnings
// recorded while parsing. Warnings come from degraded non-essential
// property parse failures; strict mode elevates some of them to errors
// before they ever land here.
type Diagnostics struct {
	buffer   []byte
	warnings error
}

func (d *Diagnostics) set(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if len(msg) > diagnosticsBufferSize {
		msg = msg[:diagnosticsBufferSize]
	}
	d.buffer = []byte(msg)
}

func (d *Diagnostics) warn(format string, args ...interface{}) {
	d.warnings = multierror.Append(d.warnings, fmt.Errorf(format, args...))
}

func (d *Diagnostics) reset() {
	d.buffer = nil
	d.warnings = nil
}

// Message returns the last fatal diagnostic, truncated to the buffer size.
func (d *Diagnostics) Message() string { return string(d.buffer) }

// Warnings returns all accumulated non-fatal warnings, or nil.
func (d *Diagnostics) Warnings() error { return d.warnings }
