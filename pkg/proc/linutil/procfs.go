package linutil

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Process states as reported in /proc/<pid>/status.
const (
	StateRunning   = 'R'
	StateSleeping  = 'S'
	StateStopped   = 'T'
	StateTraceStop = 't'
	StateZombie    = 'Z'
)

// Status is the subset of /proc/<pid>/status the tracer cares about.
type Status struct {
	Pid       int
	Name      string
	State     byte
	TracerPid int
	// SigCgt is the mask of signals the process installed a handler for,
	// bit n-1 standing for signal n.
	SigCgt uint64
}

// Catches returns true if the process installed a handler for sig.
func (s *Status) Catches(sig int) bool {
	if sig <= 0 || sig > 64 {
		return false
	}
	return s.SigCgt&(1<<uint(sig-1)) != 0
}

// ParseStatus parses the contents of /proc/<pid>/status.
func ParseStatus(r io.Reader) (*Status, error) {
	st := &Status{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		key, val, ok := cut(s.Text(), ':')
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		var err error
		switch key {
		case "Name":
			st.Name = val
		case "State":
			if val == "" {
				return nil, fmt.Errorf("empty State field")
			}
			st.State = val[0]
		case "Pid":
			st.Pid, err = strconv.Atoi(val)
		case "TracerPid":
			st.TracerPid, err = strconv.Atoi(val)
		case "SigCgt":
			st.SigCgt, err = strconv.ParseUint(val, 16, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("malformed %s field %q: %v", key, val, err)
		}
	}
	return st, s.Err()
}

func cut(s string, sep byte) (before, after string, found bool) {
	if i := strings.IndexByte(s, sep); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// ReadStatus reads /proc/<pid>/status. tid may name any thread.
func ReadStatus(tid int) (*Status, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseStatus(f)
}

// Threads lists the thread IDs of pid, sorted.
func Threads(pid int) ([]int, error) {
	return listNumeric(fmt.Sprintf("/proc/%d/task", pid))
}

// Pids lists the processes visible in /proc, sorted.
func Pids() ([]int, error) {
	return listNumeric("/proc")
}

func listNumeric(dir string) ([]int, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var r []int
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		n, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		r = append(r, n)
	}
	sort.Ints(r)
	return r, nil
}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return name != ""
}

// CmdLine returns the command line of pid with arguments separated by
// spaces, quoting the ones that contain a space.
func CmdLine(pid int) string {
	buf, _ := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	args := strings.Split(string(buf), "\x00")
	if len(args) > 0 && args[len(args)-1] == "" {
		args = args[:len(args)-1]
	}
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = strconv.Quote(args[i])
		}
	}
	return strings.Join(args, " ")
}
