package maelstrom

import (
	"bytes"
	"fmt"
	"runtime"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	// Always skip runtime.Callers and StackTrace
	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n", frame.Function)
		fmt.Fprintf(&buf, "  %s:%d\n", frame.File, frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}
