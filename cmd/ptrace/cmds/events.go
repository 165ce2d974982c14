package cmds

import (
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/immunityinc/libptrace/pkg/proc"
)

// eventPrinter writes one line per event, either as text or as a JSON
// object.
type eventPrinter struct {
	out  io.Writer
	json bool
	// exitStatus is the status of the last process-exit event.
	exitStatus int
}

func newEventPrinter(out io.Writer, json bool) *eventPrinter {
	return &eventPrinter{out: out, json: json}
}

// handlers returns handlers printing every event kind. Exceptions are
// printed and forwarded to the target.
func (pr *eventPrinter) handlers() *proc.EventHandlers {
	h := &proc.EventHandlers{}
	for _, k := range proc.EventKinds() {
		h.Set(k, pr.print)
	}
	return h
}

func (pr *eventPrinter) print(ev *proc.Event) error {
	if ev.Kind == proc.EventProcessExit {
		pr.exitStatus = ev.ExitStatus
	}
	var line string
	if pr.json {
		var err error
		line, err = eventJSON(ev)
		if err != nil {
			return err
		}
	} else {
		line = eventText(ev)
	}
	_, err := fmt.Fprintln(pr.out, line)
	return err
}

func eventPid(ev *proc.Event) int {
	if ev.Process == nil {
		return 0
	}
	return ev.Process.Pid()
}

func eventText(ev *proc.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s", eventPid(ev), ev.Kind)
	if ev.Thread != nil {
		fmt.Fprintf(&b, " tid=%d", ev.Thread.ID)
	}
	switch ev.Kind {
	case proc.EventProcessExit:
		if ev.Killed {
			fmt.Fprintf(&b, " signal=%d", ev.ExitStatus)
		} else {
			fmt.Fprintf(&b, " status=%d", ev.ExitStatus)
		}
	case proc.EventModuleLoad, proc.EventModuleUnload:
		if ev.Module != nil {
			fmt.Fprintf(&b, " base=%#x %s", ev.Module.Base, ev.Module.Path)
		}
	case proc.EventSingleStep:
		fmt.Fprintf(&b, " pc=%#x", ev.Address)
	}
	if ev.Kind.IsException() {
		fmt.Fprintf(&b, " pc=%#x", ev.Address)
		if ev.Kind == proc.EventSegfault {
			fmt.Fprintf(&b, " fault=%#x", ev.FaultAddress)
		}
		if ev.Signal != 0 {
			fmt.Fprintf(&b, " signal=%d", ev.Signal)
		}
		if ev.Chance.String() != "" {
			fmt.Fprintf(&b, " (%s chance)", ev.Chance)
		}
	}
	if ev.Breakpoint != nil && ev.Breakpoint.Spec != "" {
		fmt.Fprintf(&b, " %s", ev.Breakpoint.Spec)
	}
	return b.String()
}

// eventJSON encodes ev as a single line JSON object. Only the fields
// meaningful for the event kind are set.
func eventJSON(ev *proc.Event) (string, error) {
	type field struct {
		path  string
		value interface{}
	}
	fields := []field{
		{"kind", ev.Kind.String()},
		{"pid", eventPid(ev)},
	}
	if ev.Thread != nil {
		fields = append(fields, field{"tid", ev.Thread.ID})
	}
	switch ev.Kind {
	case proc.EventProcessExit:
		fields = append(fields, field{"exit_status", ev.ExitStatus}, field{"killed", ev.Killed})
	case proc.EventModuleLoad, proc.EventModuleUnload:
		if ev.Module != nil {
			fields = append(fields,
				field{"module.name", ev.Module.Name},
				field{"module.path", ev.Module.Path},
				field{"module.base", ev.Module.Base},
				field{"module.size", ev.Module.Size})
		}
	case proc.EventSingleStep:
		fields = append(fields, field{"address", ev.Address})
	}
	if ev.Kind.IsException() {
		fields = append(fields, field{"address", ev.Address})
		if ev.Chance.String() != "" {
			fields = append(fields, field{"chance", ev.Chance.String()})
		}
		if ev.Kind == proc.EventSegfault {
			fields = append(fields, field{"fault_address", ev.FaultAddress})
		}
		if ev.Signal != 0 {
			fields = append(fields, field{"signal", ev.Signal})
		}
	}
	if bp := ev.Breakpoint; bp != nil {
		fields = append(fields, field{"breakpoint.address", bp.Addr}, field{"breakpoint.hits", bp.HitCount})
		if bp.Spec != "" {
			fields = append(fields, field{"breakpoint.spec", bp.Spec})
		}
	}

	line := "{}"
	for _, f := range fields {
		var err error
		line, err = sjson.Set(line, f.path, f.value)
		if err != nil {
			return "", fmt.Errorf("encoding %s of %s event: %v", f.path, ev.Kind, err)
		}
	}
	return line, nil
}
