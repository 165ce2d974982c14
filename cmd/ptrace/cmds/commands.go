package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/immunityinc/libptrace/pkg/config"
	"github.com/immunityinc/libptrace/pkg/logflags"
	"github.com/immunityinc/libptrace/pkg/proc"
	"github.com/immunityinc/libptrace/pkg/proc/linutil"
	"github.com/immunityinc/libptrace/pkg/proc/native"
	"github.com/immunityinc/libptrace/pkg/starbind"
	"github.com/immunityinc/libptrace/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// secondChance is whether exceptions are delivered a second time when
	// the target does not handle them.
	secondChance bool
	// tty launches the target on a new pseudo-terminal.
	tty bool
	// jsonOutput prints events as JSON objects, one per line.
	jsonOutput bool
	// argsLine is the command line of the program to launch, as a single string.
	argsLine string
	// scriptPid is the process the script command attaches to.
	scriptPid int

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const ptraceCommandLongDesc = `ptrace traces Linux processes and reports what happens to them.

It launches or attaches to processes, prints every event they produce
(threads and modules coming and going, breakpoints, faults, exit) and
can run Starlark scripts that react to those events.

Pass flags to the program you are tracing using ` + "`--`" + `, for example:

` + "`ptrace exec -- ./server --config conf/config.toml`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main ptrace root command.
	rootCommand = &cobra.Command{
		Use:          "ptrace",
		Short:        "ptrace is a process tracer for Linux.",
		Long:         ptraceCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable tracer logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", conf.LogOutput, `Comma separated list of components that should produce debug output (see 'ptrace help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'ptrace help log').")
	rootCommand.PersistentFlags().BoolVarP(&secondChance, "second-chance", "", conf.SecondChance, "Deliver exceptions the target does not handle a second time.")
	rootCommand.PersistentFlags().BoolVarP(&jsonOutput, "json", "", false, "Print events as JSON objects, one per line.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec [--args <cmdline>] -- <program> [args...]",
		Short: "Launch a program and trace it.",
		Long: `Launch a program and trace it.

The program is started stopped, traced from its first instruction and
killed if ptrace exits before it does. Every event is printed on
standard output.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targetArgs, err := commandLine(args)
			if err != nil {
				return err
			}
			if len(targetArgs) == 0 {
				return errors.New("you must provide a program to launch")
			}
			os.Exit(execute(0, targetArgs, ""))
			return nil
		},
	}
	addLaunchFlags(execCommand.Flags())
	execCommand.Flags().StringVar(&argsLine, "args", "", "Command line of the program, quoted as a shell would.")
	rootCommand.AddCommand(execCommand)

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach <pid>",
		Short: "Attach to a running process and trace it.",
		Long: `Attach to a running process and trace it.

Every thread of the process is traced. When ptrace exits, on its own or
because of SIGINT, the process is detached and left running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			os.Exit(execute(pid, nil, ""))
			return nil
		},
	}
	rootCommand.AddCommand(attachCommand)

	// 'script' subcommand.
	scriptCommand := &cobra.Command{
		Use:   "script <file.star> [--pid <pid> | -- <program> [args...]]",
		Short: "Trace processes with a Starlark script.",
		Long: `Trace processes with a Starlark script.

Every top level function of the script named after an event kind, with
dashes replaced by underscores, handles the events of that kind:

	def breakpoint(ev):
	    print("trap at 0x%x" % ev.Address)

	def segmentation_fault(ev):
	    return "suppress"

The script can spawn and attach to processes by itself or be given a
target with --pid or after '--'. Run 'help()' from a script to list the
builtins.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptArgs, targetArgs := splitArgs(cmd, args)
			if len(scriptArgs) != 1 {
				return errors.New("you must provide exactly one script")
			}
			if scriptPid != 0 && len(targetArgs) != 0 {
				return errors.New("--pid and a program to launch are mutually exclusive")
			}
			os.Exit(execute(scriptPid, targetArgs, scriptArgs[0]))
			return nil
		},
	}
	scriptCommand.Flags().IntVarP(&scriptPid, "pid", "p", 0, "Pid to attach to.")
	addLaunchFlags(scriptCommand.Flags())
	rootCommand.AddCommand(scriptCommand)

	// 'ps' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "ps",
		Short: "List the processes of the system.",
		Long: `List the processes of the system with their state and tracer, to pick a
process to attach to. A process with a non zero tracer pid can not be
attached to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listProcesses(cmd.OutOrStdout())
		},
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "libptrace\n%s\n", version.LibptraceVersion)
			if v, _ := cmd.Flags().GetBool("verbose"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	engine		Log the event dispatch loop (default)
	ptrace		Log every ptrace request of the native backend
	cconv		Log argument decoding
	script		Log calls to Starlark event handlers

The default value of --log-output can be set in the configuration file.

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// addLaunchFlags adds the flags of the commands that can launch a program.
func addLaunchFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&tty, "tty", false, "Launch the program on a new pseudo-terminal.")
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid: %s", s)
	}
	return pid, nil
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

// commandLine returns the program to launch and its arguments, taken
// either from args or from the --args flag.
func commandLine(args []string) ([]string, error) {
	if argsLine == "" {
		return args, nil
	}
	if len(args) != 0 {
		return nil, errors.New("--args and a program after '--' are mutually exclusive")
	}
	v, err := argv.Argv(argsLine,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", argsLine)
	}
	return v[0], nil
}

func options() proc.Options {
	opts := proc.OptionKillOnExit
	if secondChance {
		opts |= proc.OptionSecondChance
	}
	if tty {
		opts |= proc.OptionTerminal
	}
	return opts
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func setupLogging() error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	if logDest == "" && isatty.IsTerminal(os.Stderr.Fd()) {
		logflags.SetOutput(nopCloser{colorable.NewColorableStderr()})
	}
	return nil
}

// withCallingConvention makes every process attached through h decode
// arguments with cc.
func withCallingConvention(h *proc.EventHandlers, cc proc.CallingConvention) {
	attached := h.Attached
	h.Attached = func(ev *proc.Event) error {
		ev.Process.SetCallingConvention(cc)
		if attached != nil {
			return attached(ev)
		}
		return nil
	}
}

// waitForInterrupt makes the dispatch loop return on SIGINT. The returned
// function stops listening.
func waitForInterrupt(c *proc.Core, env *starbind.Env) func() {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, syscall.SIGINT)
	go func() {
		select {
		case <-ch:
			env.Cancel()
			c.Quit()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// execute traces pid, or launches targetArgs, printing events or running
// them through the script at scriptPath. The return value is the exit
// status of ptrace.
func execute(pid int, targetArgs []string, scriptPath string) int {
	if err := setupLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	var cc proc.CallingConvention
	if conf.CallingConvention != "" {
		var err error
		cc, err = proc.ParseCallingConvention(conf.CallingConvention)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid calling-convention in configuration: %v\n", err)
			return 1
		}
	}

	backend, err := native.New(native.Config{
		PollInterval:    conf.WaitPollInterval,
		ExportCacheSize: conf.ExportCacheSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	c := proc.NewCore(backend)
	defer func() {
		if err := c.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}()

	var (
		handlers *proc.EventHandlers
		printer  *eventPrinter
		env      *starbind.Env
	)
	if scriptPath != "" {
		env = starbind.New(c, os.Stdout)
		env.SetOptions(options())
		if err := env.Execute(scriptPath, nil); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		handlers = env.Handlers()
	} else {
		printer = newEventPrinter(os.Stdout, jsonOutput)
		handlers = printer.handlers()
	}
	if conf.CallingConvention != "" {
		withCallingConvention(handlers, cc)
	}

	switch {
	case pid != 0:
		_, err = c.Attach(pid, handlers, options())
	case len(targetArgs) != 0:
		_, err = c.Spawn(targetArgs[0], targetArgs[1:], handlers, options())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	stop := waitForInterrupt(c, env)
	err = c.Main(context.Background())
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if printer != nil && len(targetArgs) != 0 {
		return printer.exitStatus
	}
	return 0
}

// listProcesses prints the processes of the system, skipping the ones
// that exit while being listed.
func listProcesses(out io.Writer) error {
	pids, err := linutil.Pids()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tSTATE\tTRACER\tNAME\tCOMMAND")
	for _, pid := range pids {
		st, err := linutil.ReadStatus(pid)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%c\t%d\t%s\t%s\n", pid, st.State, st.TracerPid, st.Name, linutil.CmdLine(pid))
	}
	return w.Flush()
}
