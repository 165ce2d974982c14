package logflags

import (
	"bytes"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("expected loggerFactory to be nil; but was <%v>", loggerFactory)
	}
	defer func() {
		loggerFactory = nil
	}()
	if logOut != nil {
		t.Fatalf("expected logOut to be nil; but was <%v>", logOut)
	}
	logOut = &bufferWriter{}
	defer func() {
		logOut = nil
	}()

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Fatalf("expected level to be <%v>; but was <%v>", logrus.TraceLevel, level)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Fatalf("expected fields to be {'foo':'bar'}; but was <%v>", fields)
		}
		if out != logOut {
			t.Fatalf("expected out to be <%v>; but was <%v>", logOut, out)
		}
		return expectedLogger
	})

	actual := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"})
	if actual != expectedLogger {
		t.Fatalf("expected actual to <%v>; but was <%v>", expectedLogger, actual)
	}
}

func TestMakeFlaggableLogger_withFlagFalse(t *testing.T) {
	actual := makeFlaggableLogger(false, Fields{"foo": "bar"})
	actualEntry, expectedType := actual.(*logrusLogger)
	if !expectedType {
		t.Fatalf("expected actual to be of type <%v>; but was <%v>", reflect.TypeOf((*logrusLogger)(nil)), reflect.TypeOf(actual))
	}
	if actualEntry.Entry.Logger.Level != logrus.ErrorLevel {
		t.Fatalf("expected actualEntry.Entry.Logger.Level to be <%v>; but was <%v>", logrus.ErrorLevel, actualEntry.Logger.Level)
	}
	if len(actualEntry.Entry.Data) != 1 || actualEntry.Data["foo"] != "bar" {
		t.Fatalf("expected actualEntry.Entry.Data to be {'foo':'bar'}; but was <%v>", actualEntry.Data)
	}
}

func TestMakeFlaggableLogger_withFlagTrue(t *testing.T) {
	actual := makeFlaggableLogger(true, Fields{"foo": "bar"})
	actualEntry := actual.(*logrusLogger)
	if actualEntry.Entry.Logger.Level != logrus.DebugLevel {
		t.Fatalf("expected actualEntry.Entry.Logger.Level to be <%v>; but was <%v>", logrus.DebugLevel, actualEntry.Logger.Level)
	}
}

func TestWithSink_receivesDisabledLevels(t *testing.T) {
	out := &bufferWriter{}
	logOut = out
	defer func() {
		logOut = nil
	}()

	var lines []string
	l := WithSink(makeFlaggableLogger(false, Fields{"layer": "engine"}), func(line string) {
		lines = append(lines, line)
	})
	l.Debugf("breakpoint at %#x", 0x1000)

	if len(lines) != 1 || lines[0] != "engine: breakpoint at 0x1000" {
		t.Fatalf("expected one sink line; but was <%q>", lines)
	}
	if out.Len() != 0 {
		t.Fatalf("expected disabled logger to write nothing; but was <%q>", out.String())
	}
}

func TestSetup(t *testing.T) {
	defer func() {
		engine, ptrace, cconv, script = false, false, false, false
	}()
	if err := Setup(false, "ptrace", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected errLogstrWithoutLog; but was <%v>", err)
	}
	if err := Setup(true, "ptrace,cconv", ""); err != nil {
		t.Fatal(err)
	}
	if !Ptrace() || !Cconv() || Engine() || Script() {
		t.Fatalf("wrong flags after Setup: engine=%v ptrace=%v cconv=%v script=%v", Engine(), Ptrace(), Cconv(), Script())
	}
	if !strings.Contains(PtraceLogger().(*logrusLogger).Data["layer"].(string), "ptrace") {
		t.Fatalf("wrong layer field")
	}
}

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}
