// Command sieve-test runs a Sieve script against a message.
//
//	sieve-test [-c config] [-e] [-f from] [-r rcpt] [-a orig-rcpt] [-u user] [-t] <script> <message>
//
// By default the script runs in test mode and the actions it would perform
// are printed. With -e the actions are executed against the configured
// mail storage and submission relay.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/mailstore"
	"github.com/migadu/sieve/service"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/interpreter"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/submission"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

// Exit codes follow sysexits.h.
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 64
	exitDataErr  = 65
	exitNoInput  = 66
	exitTempFail = 75
	exitConfig   = 78
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	configPath string
	execute    bool
	from       string
	rcpt       string
	origRcpt   string
	user       string
	mailbox    string
	trace      bool
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var o options
	fs := flag.NewFlagSet("sieve-test", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "c", "", "Path to TOML configuration file")
	fs.BoolVar(&o.execute, "e", false, "Execute the actions instead of printing them")
	fs.StringVar(&o.from, "f", "", "Envelope sender")
	fs.StringVar(&o.rcpt, "r", "", "Envelope recipient (default: the user)")
	fs.StringVar(&o.origRcpt, "a", "", "Original envelope recipient (default: the recipient)")
	fs.StringVar(&o.user, "u", "", "User the script runs for (default: the recipient)")
	fs.StringVar(&o.mailbox, "m", "", "Default mailbox (default: INBOX)")
	fs.BoolVar(&o.trace, "t", false, "Trace execution to standard error")
	showVersion := fs.Bool("version", false, "Show version information and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: sieve-test [-c config] [-e] [-f from] [-r rcpt] [-a orig-rcpt] [-u user] [-t] <script> <message>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *showVersion {
		fmt.Fprintf(stdout, "sieve-test version %s (commit: %s)\n", version, commit)
		return exitOK
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := service.LoadConfig(o.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "sieve-test: %v\n", err)
		return exitConfig
	}
	if o.configPath == "" {
		cfg.Logging.Level = "warn"
	}
	if logFile, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(stderr, "sieve-test: warning initializing logger: %v\n", err)
	} else if logFile != nil {
		defer logFile.Close()
	}

	raw, err := readMessage(fs.Arg(1), stdin)
	if err != nil {
		fmt.Fprintf(stderr, "sieve-test: %v\n", err)
		return exitNoInput
	}

	svc, err := service.Open(ctx, cfg, service.Options{WithSubmitter: o.execute})
	if err != nil {
		fmt.Fprintf(stderr, "sieve-test: %v\n", err)
		return exitConfig
	}
	defer svc.Close()

	eng := svc.Engine
	if o.trace {
		eng = eng.WithTrace(stderr, interpreter.TraceTests)
	}

	eh := diag.NewHandler(cfg.Sieve.GetMaxErrors())
	bin, err := service.CompileFile(ctx, eng, fs.Arg(0), eh)
	io.WriteString(stderr, eh.String())
	if err != nil {
		if eh.Errors() == 0 {
			fmt.Fprintf(stderr, "sieve-test: %v\n", err)
		}
		fmt.Fprintln(stderr, "sieve-test: failed to compile script")
		return exitDataErr
	}

	user := o.user
	if user == "" {
		user = o.rcpt
	}
	if user == "" {
		user = "user@" + cfg.Sieve.Hostname
	}
	rcpt := o.rcpt
	if rcpt == "" {
		rcpt = user
	}
	msg, err := mail.ParseMessage(raw, mail.Envelope{ReturnPath: o.from, To: rcpt, OrigTo: o.origRcpt})
	if err != nil {
		fmt.Fprintf(stderr, "sieve-test: %v\n", err)
		return exitDataErr
	}

	env := &mail.Environment{
		User:           user,
		UserEmail:      user,
		Hostname:       cfg.Sieve.Hostname,
		Postmaster:     cfg.Sieve.Postmaster,
		DefaultMailbox: o.mailbox,
		Settings:       mail.SettingsMap(cfg.Sieve.Settings),
	}

	eh = diag.NewHandler(cfg.Sieve.GetMaxErrors())
	var st result.ExecStatus
	var status result.Status
	if o.execute {
		env.Storage = svc.MailStorage(user)
		env.Submitter = svc.Submitter
		status = eng.Execute(ctx, bin, msg, env, eh, &st)
		report(stdout, env.Storage, &st)
	} else {
		env.Storage = mailstore.NewMemory()
		env.Submitter = submission.NewRecorder()
		status = eng.Test(ctx, bin, msg, env, stdout, eh, &st)
	}
	io.WriteString(stderr, eh.String())

	switch status {
	case result.StatusOK:
		return exitOK
	case result.StatusTempFailure, result.StatusKeepFailed:
		fmt.Fprintf(stderr, "sieve-test: %s\n", status)
		return exitTempFail
	default:
		fmt.Fprintf(stderr, "sieve-test: %s\n", status)
		return exitFailure
	}
}

// readMessage reads the message file, or standard input for "-". Bare
// line feeds are turned into CRLF.
func readMessage(path string, stdin io.Reader) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n")), nil
}

func report(w io.Writer, storage mail.MailStorage, st *result.ExecStatus) {
	fmt.Fprintf(w, "\nExecution status:\n\n")
	fmt.Fprintf(w, "  message saved: %t\n", st.MessageSaved)
	fmt.Fprintf(w, "  message forwarded: %t\n", st.MessageForwarded)
	if st.TriedDefaultSave {
		fmt.Fprintf(w, "  tried default save: true\n")
	}
	if st.LastStorageError != "" {
		fmt.Fprintf(w, "  storage error: %s\n", st.LastStorageError)
	}
	if m, ok := storage.(*mailstore.Memory); ok {
		for _, box := range m.Mailboxes() {
			fmt.Fprintf(w, "  stored in %s: %d message(s)\n", box, len(m.Messages(box)))
		}
	}
}
