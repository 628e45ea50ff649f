package step

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogLine 运行日志中的一行
type LogLine struct {
	RunID   string                 `json:"run_id"`
	Time    time.Time              `json:"time"`
	Level   string                 `json:"level"`
	Step    string                 `json:"step,omitempty"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// LogSink 接收运行日志，例如写入文件或推送到 WebSocket
type LogSink interface {
	Emit(line LogLine)
}

// LogSinkFunc 函数适配器
type LogSinkFunc func(line LogLine)

func (f LogSinkFunc) Emit(line LogLine) { f(line) }

// sinkHook 把 logrus 日志转发到 LogSink
type sinkHook struct {
	runID string
	sinks []LogSink
}

func (h *sinkHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *sinkHook) Fire(entry *logrus.Entry) error {
	line := LogLine{
		RunID:   h.runID,
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	for k, v := range entry.Data {
		switch k {
		case "run_id":
			continue
		case "step":
			line.Step, _ = v.(string)
			continue
		}
		if line.Fields == nil {
			line.Fields = make(map[string]interface{}, len(entry.Data))
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		line.Fields[k] = v
	}
	for _, s := range h.sinks {
		s.Emit(line)
	}
	return nil
}

// newRunLogger 复制 base 的输出与格式，并挂上运行专属的 hook
func newRunLogger(base *logrus.Logger, hook logrus.Hook) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(base.Out)
	l.SetFormatter(base.Formatter)
	l.SetLevel(base.GetLevel())
	l.SetReportCaller(base.ReportCaller)
	for level, hooks := range base.Hooks {
		for _, h := range hooks {
			l.Hooks[level] = append(l.Hooks[level], h)
		}
	}
	if hook != nil {
		l.AddHook(hook)
	}
	return l
}
