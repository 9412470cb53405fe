package voice

import "strings"

// StreamWriter enforces the voice on streamed text one line at a time.
// Rewrites never cross a line break, so the concatenated output equals
// Enforce on the whole text.
type StreamWriter struct {
	enforcer *Enforcer
	emit     func(string) error
	buf      strings.Builder
	started  bool
	blank    bool
}

// NewStream returns a writer that passes enforced lines to emit.
func (e *Enforcer) NewStream(emit func(string) error) *StreamWriter {
	return &StreamWriter{enforcer: e, emit: emit}
}

// Write buffers chunk and emits every line it completes.
func (w *StreamWriter) Write(chunk string) error {
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			w.buf.WriteString(chunk)
			return nil
		}
		w.buf.WriteString(chunk[:i])
		chunk = chunk[i+1:]

		line := w.buf.String()
		w.buf.Reset()
		if err := w.line(line); err != nil {
			return err
		}
	}
}

// Flush emits the trailing partial line.
func (w *StreamWriter) Flush() error {
	line := w.buf.String()
	w.buf.Reset()
	return w.line(line)
}

func (w *StreamWriter) line(raw string) error {
	out := w.enforcer.Enforce(raw)
	if out == "" {
		w.blank = w.started
		return nil
	}
	prefix := ""
	if w.started {
		prefix = "\n"
		if w.blank {
			prefix = "\n\n"
		}
	}
	w.started = true
	w.blank = false
	return w.emit(prefix + out)
}
