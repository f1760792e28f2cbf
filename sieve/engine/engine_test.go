package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/sieve/binstore"
	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/mailstore"
	"github.com/migadu/sieve/pkg/metrics"
	"github.com/migadu/sieve/sieve/binary"
	"github.com/migadu/sieve/sieve/mail"
	"github.com/migadu/sieve/sieve/result"
	"github.com/migadu/sieve/sieve/script"
	"github.com/migadu/sieve/submission"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessage = "Return-Path: <sender@example.org>\r\n" +
	"From: Sender <sender@example.org>\r\n" +
	"To: User <user@example.com>\r\n" +
	"Subject: Test message\r\n" +
	"Message-ID: <1@example.org>\r\n" +
	"\r\n" +
	"Hello.\r\n"

type fixture struct {
	eng     *Engine
	msg     *mail.MessageData
	env     *mail.Environment
	storage *mailstore.Memory
	rec     *submission.Recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg, err := NewRegistry(nil, opts.Settings)
	require.NoError(t, err)
	msg, err := mail.ParseMessage([]byte(testMessage), mail.Envelope{ReturnPath: "sender@example.org", To: "user@example.com"})
	require.NoError(t, err)

	f := &fixture{
		eng:     New(reg, opts),
		msg:     msg,
		storage: mailstore.NewMemory(),
		rec:     submission.NewRecorder(),
	}
	f.env = &mail.Environment{
		User:      "user",
		UserEmail: "user@example.com",
		Hostname:  "mx.example.com",
		Storage:   f.storage,
		Submitter: f.rec,
	}
	return f
}

func (f *fixture) compile(t *testing.T, src string) *binary.Binary {
	t.Helper()
	bin, err := f.eng.Compile(context.Background(), script.New("test", []byte(src)), nil)
	require.NoError(t, err)
	return bin
}

func (f *fixture) execute(t *testing.T, src string) (result.Status, *result.ExecStatus) {
	t.Helper()
	bin := f.compile(t, src)
	var status result.ExecStatus
	st := f.eng.Execute(context.Background(), bin, f.msg, f.env, nil, &status)
	return st, &status
}

func TestExecuteImplicitKeep(t *testing.T) {
	f := newFixture(t, Options{})
	st, status := f.execute(t, "")

	assert.Equal(t, result.StatusOK, st)
	assert.True(t, status.MessageSaved)
	require.Len(t, f.storage.Messages("INBOX"), 1)
	assert.Equal(t, []byte(testMessage), f.storage.Messages("INBOX")[0].Raw)
}

func TestExecuteFileintoWithFlags(t *testing.T) {
	f := newFixture(t, Options{})
	st, _ := f.execute(t, `require ["fileinto", "imap4flags"];
fileinto :flags "\\Seen" "Work";
`)
	require.Equal(t, result.StatusOK, st)

	assert.Empty(t, f.storage.Messages("INBOX"))
	msgs := f.storage.Messages("Work")
	require.Len(t, msgs, 1)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, msgs[0].Flags)
}

func TestExecuteRejectConflict(t *testing.T) {
	f := newFixture(t, Options{})
	bin := f.compile(t, `require ["reject", "fileinto"];
reject "go away";
fileinto "Junk";
`)
	eh := f.eng.NewDiag()
	st := f.eng.Execute(context.Background(), bin, f.msg, f.env, eh, nil)

	assert.Equal(t, result.StatusUserError, st)
	assert.Equal(t, 1, eh.Errors())
	assert.Len(t, f.storage.Messages("INBOX"), 1)
	assert.Empty(t, f.storage.Messages("Junk"))
	assert.Empty(t, f.rec.Messages())
}

func TestExecuteReject(t *testing.T) {
	f := newFixture(t, Options{})
	st, _ := f.execute(t, `require "reject";
reject "not wanted here";
`)
	require.Equal(t, result.StatusOK, st)

	assert.Empty(t, f.storage.Messages("INBOX"))
	msgs := f.rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "", msgs[0].Sender)
	assert.Equal(t, []string{"sender@example.org"}, msgs[0].Recipients)
	assert.Contains(t, string(msgs[0].Data), "not wanted here")
	assert.Contains(t, string(msgs[0].Data), "Auto-Submitted: auto-replied (rejected)")
}

func TestExecuteNotifyDuplicateRecipients(t *testing.T) {
	f := newFixture(t, Options{})
	st, _ := f.execute(t, `require "enotify";
notify "mailto:a@x,b@x";
notify "mailto:b@x,c@x";
`)
	require.Equal(t, result.StatusOK, st)

	msgs := f.rec.Messages()
	require.Len(t, msgs, 2)
	assert.ElementsMatch(t, []string{"a@x", "b@x"}, msgs[0].Recipients)
	assert.Equal(t, []string{"c@x"}, msgs[1].Recipients)
	assert.Len(t, f.storage.Messages("INBOX"), 1)
}

func TestExecuteRedirect(t *testing.T) {
	f := newFixture(t, Options{})
	st, status := f.execute(t, `redirect "other@example.net";`)
	require.Equal(t, result.StatusOK, st)

	assert.True(t, status.MessageForwarded)
	assert.Empty(t, f.storage.Messages("INBOX"))
	msgs := f.rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sender@example.org", msgs[0].Sender)
	assert.Equal(t, []string{"other@example.net"}, msgs[0].Recipients)
}

func TestExecuteRedirectCopy(t *testing.T) {
	f := newFixture(t, Options{})
	st, _ := f.execute(t, `require "copy";
redirect :copy "other@example.net";
`)
	require.Equal(t, result.StatusOK, st)

	assert.Len(t, f.storage.Messages("INBOX"), 1)
	assert.Equal(t, []string{"other@example.net"}, f.rec.Recipients())
}

func TestExecuteTemporarySubmitFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.rec.Result = mail.SubmitTempFail
	f.rec.Err = errors.New("421 try again later")

	st, status := f.execute(t, `redirect "other@example.net";`)
	assert.Equal(t, result.StatusTempFailure, st)
	assert.Empty(t, f.rec.Messages())
	assert.False(t, status.MessageForwarded)
	// The failed commit falls back to the default mailbox.
	assert.Len(t, f.storage.Messages("INBOX"), 1)
}

func TestExecuteCommitFailureFallsBackToKeep(t *testing.T) {
	f := newFixture(t, Options{})
	f.storage.FailCommit = map[string]error{"Work": errors.New("quota exceeded")}

	st, status := f.execute(t, `require "fileinto";
fileinto "Work";
`)
	assert.Equal(t, result.StatusFailure, st)
	assert.True(t, status.TriedDefaultSave)
	assert.Empty(t, f.storage.Messages("Work"))
	assert.Len(t, f.storage.Messages("INBOX"), 1)
}

func TestExecuteCorruptBinary(t *testing.T) {
	f := newFixture(t, Options{})
	bin := f.compile(t, `discard;`)
	code := bin.Blocks[0].Code
	require.NotEmpty(t, code)
	code[1] = 0xee

	st := f.eng.Execute(context.Background(), bin, f.msg, f.env, nil, nil)
	assert.Equal(t, result.StatusBinCorrupt, st)
	assert.Len(t, f.storage.Messages("INBOX"), 1)
}

func TestTestPrintsActions(t *testing.T) {
	f := newFixture(t, Options{})
	bin := f.compile(t, `require ["fileinto", "imap4flags"];
if header :contains "subject" "test" {
	fileinto :flags "\\Flagged" "Tests";
}
redirect "other@example.net";
`)
	var out bytes.Buffer
	st := f.eng.Test(context.Background(), bin, f.msg, f.env, &out, nil, nil)
	require.Equal(t, result.StatusOK, st)

	text := out.String()
	assert.Contains(t, text, "Performed actions:")
	assert.Contains(t, text, " * store message in folder: Tests")
	assert.Contains(t, text, "        + add IMAP flags: \\Flagged")
	assert.Contains(t, text, " * redirect message to: other@example.net")
	assert.True(t, strings.HasSuffix(text, "Implicit keep:\n\n  (none)\n"))

	// Nothing is carried out in test mode.
	assert.Empty(t, f.storage.Mailboxes())
	assert.Empty(t, f.rec.Messages())
}

func TestMarshalledBinaryBehavesTheSame(t *testing.T) {
	f := newFixture(t, Options{})
	src := `require ["fileinto", "envelope", "subaddress", "body", "copy"];
if allof(envelope :localpart :is "to" "user", body :contains "hello") {
	fileinto :copy "Greetings";
} elsif exists "x-spam" {
	discard;
}
`
	bin := f.compile(t, src)
	data, err := bin.Marshal()
	require.NoError(t, err)
	loaded, err := f.eng.Load(data)
	require.NoError(t, err)

	var fresh, reloaded bytes.Buffer
	require.Equal(t, result.StatusOK, f.eng.Test(context.Background(), bin, f.msg, f.env, &fresh, nil, nil))
	require.Equal(t, result.StatusOK, f.eng.Test(context.Background(), loaded, f.msg, f.env, &reloaded, nil, nil))
	assert.Equal(t, fresh.String(), reloaded.String())
	assert.Contains(t, fresh.String(), "Greetings")

	var d1, d2 bytes.Buffer
	require.NoError(t, f.eng.Dump(&d1, bin))
	require.NoError(t, f.eng.Dump(&d2, loaded))
	assert.Equal(t, d1.String(), d2.String())
}

func TestCompileErrors(t *testing.T) {
	f := newFixture(t, Options{MaxScriptSize: 64})

	tests := []struct {
		name string
		src  string
		want error
	}{
		{"syntax", `if true {`, consts.ErrParseFailed},
		{"unknown command", `frobnicate;`, consts.ErrValidationFailed},
		{"missing require", `fileinto "Work";`, consts.ErrValidationFailed},
		{"too large", strings.Repeat("keep;\n", 20), consts.ErrScriptTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eh := f.eng.NewDiag()
			_, err := f.eng.Compile(context.Background(), script.New(tt.name, []byte(tt.src)), eh)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.GreaterOrEqual(t, eh.Errors(), 1)
		})
	}
}

func TestCompileMissingRequireHint(t *testing.T) {
	f := newFixture(t, Options{})
	eh := f.eng.NewDiag()
	_, err := f.eng.Compile(context.Background(), script.New("test", []byte(`fileinto "Work";`)), eh)
	require.Error(t, err)
	assert.Contains(t, eh.String(), "unknown command 'fileinto'")
}

func TestOpenUsesBinaryStore(t *testing.T) {
	store := binstore.NewMemory()
	f := newFixture(t, Options{Store: store})
	ctx := context.Background()
	s := &script.Script{Name: "main", Location: "mem:main", Source: []byte(`keep;`)}

	compiled := testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("compiled"))
	loaded := testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("loaded"))
	stale := testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("stale"))
	corrupt := testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("corrupt"))

	_, err := f.eng.Open(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, compiled+1, testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("compiled")))

	_, err = f.eng.Open(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, loaded+1, testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("loaded")))

	s.Source = []byte(`discard;`)
	bin, err := f.eng.Open(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, stale+1, testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("stale")))
	assert.True(t, bin.UpToDate(*s))

	require.NoError(t, store.Put(ctx, s.Location, []byte("garbage")))
	_, err = f.eng.Open(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, corrupt+1, testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("corrupt")))

	data, err := store.Get(ctx, s.Location)
	require.NoError(t, err)
	_, err = f.eng.Load(data)
	assert.NoError(t, err)
}

func TestOpenVerifiesStoredCode(t *testing.T) {
	store := binstore.NewMemory()
	f := newFixture(t, Options{Store: store})
	ctx := context.Background()
	s := &script.Script{Name: "main", Location: "mem:main", Source: []byte(`discard;`)}

	// A well formed container whose up to date code is invalid.
	bin, err := f.eng.Compile(ctx, s, nil)
	require.NoError(t, err)
	bin.Blocks[0].Code[1] = 0xee
	data, err := bin.Marshal()
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, s.Location, data))

	corrupt := testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("corrupt"))
	opened, err := f.eng.Open(ctx, s, nil)
	require.NoError(t, err)
	assert.Equal(t, corrupt+1, testutil.ToFloat64(metrics.BinaryOpenTotal.WithLabelValues("corrupt")))
	require.NoError(t, opened.Verify())

	st := f.eng.Execute(ctx, opened, f.msg, f.env, nil, nil)
	assert.Equal(t, result.StatusOK, st)
	assert.Empty(t, f.storage.Messages("INBOX"))
}

func TestCompileErrorNamesScriptOnce(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.eng.Compile(context.Background(), script.New("rules", []byte(`frobnicate;`)), nil)
	require.Error(t, err)
	assert.Equal(t, "validation failed: rules: line 1: unknown command 'frobnicate'", err.Error())

	_, err = f.eng.Compile(context.Background(), script.New("rules", []byte(`if true {`)), nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "rules: rules:")
	assert.True(t, strings.HasPrefix(err.Error(), "parse failed: rules: line 1:"), "error: %v", err)
}

func TestOpenFailedCompileIsNotStored(t *testing.T) {
	store := binstore.NewMemory()
	f := newFixture(t, Options{Store: store})
	_, err := f.eng.Open(context.Background(), script.New("bad", []byte(`frobnicate;`)), nil)
	assert.ErrorIs(t, err, consts.ErrValidationFailed)
	assert.Equal(t, 0, store.Len())
}

func TestIncludePersonalScript(t *testing.T) {
	dir := t.TempDir()
	personal := script.NewFileStorage(dir, "")
	require.NoError(t, personal.Save(context.Background(), "filters", []byte(`require "fileinto";
fileinto "Included";
`)))

	f := newFixture(t, Options{Personal: personal})
	st, _ := f.execute(t, `require "include";
include :personal "filters";
`)
	require.Equal(t, result.StatusOK, st)
	assert.Len(t, f.storage.Messages("Included"), 1)
	assert.Empty(t, f.storage.Messages("INBOX"))
}

func TestExecutionMetrics(t *testing.T) {
	f := newFixture(t, Options{})
	before := testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues("execute", "ok"))
	st, _ := f.execute(t, `keep;`)
	require.Equal(t, result.StatusOK, st)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ExecutionsTotal.WithLabelValues("execute", "ok")))
}

func TestNewRegistryUnknownExtension(t *testing.T) {
	_, err := NewRegistry([]string{"fileinto", "vacation"}, nil)
	assert.Error(t, err)

	reg, err := NewRegistry([]string{"fileinto"}, nil)
	require.NoError(t, err)
	assert.Contains(t, reg.Capabilities(), "fileinto")
	assert.NotContains(t, reg.Capabilities(), "reject")
}
