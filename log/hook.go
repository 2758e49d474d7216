package log

import (
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// stackHook attaches the caller stack to error and higher level events.
type stackHook struct{}

func (h *stackHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < zerolog.ErrorLevel {
		return
	}

	arr := zerolog.Arr()
	for _, f := range callers(4) {
		arr.Dict(zerolog.Dict().
			Int("line", f.Line).
			Str("file", f.File).
			Str("function", f.Function),
		)
	}
	e.Array("stack", arr)
}

func callers(skip int) []runtime.Frame {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(skip, pcs[:])
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]runtime.Frame, 0, n)
	for {
		frame, more := frames.Next()
		// zerolog's own frames carry no information about the failing call site.
		if !strings.HasPrefix(frame.Function, "github.com/rs/zerolog") {
			out = append(out, frame)
		}
		if !more {
			break
		}
	}

	return out
}
