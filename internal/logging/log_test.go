package logging

import (
	"bytes"
	"encoding/json"
	"slices"
	"testing"

	"github.com/sirupsen/logrus"
)

type Queue struct {
	Channel string
	Logger  *logrus.Entry
}

type Engine struct {
	Queue  *Queue
	Logger *logrus.Entry
}

func NewQueue(logger *logrus.Logger, channel string) *Queue {
	return &Queue{Channel: channel, Logger: logger.WithField("channel", channel)}
}

func NewEngine(q *Queue) *Engine {
	return &Engine{Queue: q, Logger: q.Logger.WithField("component", "ddp")}
}

type captured struct {
	Level   logrus.Level
	Message string
}

type capturingHook struct {
	entries []captured
}

// Fire keeps the level and message; Entry.Dup does not carry the message.
func (h *capturingHook) Fire(entry *logrus.Entry) error {
	h.entries = append(h.entries, captured{Level: entry.Level, Message: entry.Message})
	return nil
}

func (*capturingHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}
}

func TestLoggingStructure(t *testing.T) {
	var out bytes.Buffer
	log := New("trace", &out)

	hook := &capturingHook{}
	log.AddHook(hook)

	e := NewEngine(NewQueue(log, "admin"))
	e.Logger.Debug("Engine entry")

	var fields map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &fields); err != nil {
		t.Fatalf("non-terminal output is not JSON: %s: %q", err, out.String())
	}
	if fields["channel"] != "admin" || fields["component"] != "ddp" || fields["msg"] != "Engine entry" {
		t.Errorf("entry fields %v", fields)
	}

	log.Warn("No Hook")
	log.Error("Should Hook")
	expected := []captured{{Level: logrus.ErrorLevel, Message: "Should Hook"}}
	if !slices.Equal(hook.entries, expected) {
		t.Errorf("hook saw %+v, expected %+v", hook.entries, expected)
	}
}

func TestParseLevel(t *testing.T) {
	for name, expected := range map[string]logrus.Level{
		"trace":   logrus.TraceLevel,
		"DEBUG":   logrus.DebugLevel,
		"Warning": logrus.WarnLevel,
		"error":   logrus.ErrorLevel,
		"":        logrus.InfoLevel,
		"verbose": logrus.InfoLevel,
	} {
		if level := ParseLevel(name); level != expected {
			t.Errorf("ParseLevel(%q) = %s, expected %s", name, level, expected)
		}
	}
}
