package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"time"
)

// Logger emits one JSON object per line. Fields are caller-supplied;
// level and ts are stamped here.
type Logger struct {
	l    *log.Logger
	base map[string]interface{}
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{
		l: log.New(w, "", 0),
	}
}

// With returns a logger that stamps the given field on every line,
// e.g. tagging lines with the owning component.
func (lg *Logger) With(key string, value interface{}) *Logger {
	base := make(map[string]interface{}, len(lg.base)+1)
	for k, v := range lg.base {
		base[k] = v
	}
	base[key] = value
	return &Logger{l: lg.l, base: base}
}

func (lg *Logger) Info(fields map[string]interface{}) {
	lg.emit("info", fields)
}

func (lg *Logger) Warn(fields map[string]interface{}) {
	lg.emit("warn", fields)
}

func (lg *Logger) Error(fields map[string]interface{}) {
	lg.emit("error", fields)
}

func (lg *Logger) emit(level string, fields map[string]interface{}) {
	out := make(map[string]interface{}, len(lg.base)+len(fields)+2)
	for k, v := range lg.base {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	out["level"] = level
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	b, _ := json.Marshal(out)
	lg.l.Println(string(b))
}
