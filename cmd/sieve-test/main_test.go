package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const message = "From: boss@example.com\n" +
	"To: user@example.com\n" +
	"Subject: Quarterly report\n" +
	"\n" +
	"Numbers attached.\n"

type files struct {
	dir    string
	script string
	msg    string
}

func setup(t *testing.T, src string) files {
	t.Helper()
	dir := t.TempDir()
	f := files{dir: dir, script: filepath.Join(dir, "main.sieve"), msg: filepath.Join(dir, "msg.eml")}
	require.NoError(t, os.WriteFile(f.script, []byte(src), 0o644))
	require.NoError(t, os.WriteFile(f.msg, []byte(message), 0o644))
	return f
}

func runTest(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestPrintsActions(t *testing.T) {
	f := setup(t, `require "fileinto";
if header :contains "subject" "report" { fileinto "Reports"; }`)

	code, out, errOut := runTest(t, "", f.script, f.msg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Performed actions:")
	assert.Contains(t, out, " * store message in folder: Reports")
	assert.Contains(t, out, "Implicit keep:\n\n  (none)")
}

func TestImplicitKeepUsesDefaultMailbox(t *testing.T) {
	f := setup(t, `if false { discard; }`)

	code, out, errOut := runTest(t, "", "-m", "Inbox/New", f.script, f.msg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "  (none)")
	assert.Contains(t, out, "Inbox/New")
}

func TestMessageFromStdin(t *testing.T) {
	f := setup(t, `require "envelope"; if envelope :is "from" "boss@example.com" { discard; }`)

	code, out, errOut := runTest(t, message, "-f", "boss@example.com", f.script, "-")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, " * discard")
}

func TestExecuteStoresMessage(t *testing.T) {
	f := setup(t, `require "fileinto"; fileinto "Reports";`)

	code, out, errOut := runTest(t, "", "-e", "-r", "user@example.com", f.script, f.msg)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "message saved: true")
	assert.Contains(t, out, "stored in Reports: 1 message(s)")
}

func TestExecuteRedirectWithoutRelay(t *testing.T) {
	f := setup(t, `redirect "other@example.net";`)

	// Without a submission relay the redirect fails and the message is kept.
	code, out, _ := runTest(t, "", "-e", f.script, f.msg)
	assert.NotEqual(t, exitOK, code)
	assert.Contains(t, out, "stored in INBOX: 1 message(s)")
}

func TestCompileError(t *testing.T) {
	f := setup(t, "frobnicate;\n")

	code, _, errOut := runTest(t, "", f.script, f.msg)
	assert.Equal(t, exitDataErr, code)
	assert.Contains(t, errOut, "unknown command 'frobnicate'")
}

func TestTrace(t *testing.T) {
	f := setup(t, `if true { keep; }`)

	code, _, errOut := runTest(t, "", "-t", f.script, f.msg)
	require.Equal(t, exitOK, code, errOut)
	assert.NotEmpty(t, errOut)
}

func TestUsageErrors(t *testing.T) {
	code, _, errOut := runTest(t, "")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, errOut, "Usage: sieve-test")

	f := setup(t, `keep;`)
	code, _, _ = runTest(t, "", f.script, filepath.Join(f.dir, "missing.eml"))
	assert.Equal(t, exitNoInput, code)
}

func TestReadMessageNormalizesLineEndings(t *testing.T) {
	data, err := readMessage("-", strings.NewReader("a: b\n\r\nbody\n"))
	require.NoError(t, err)
	assert.Equal(t, "a: b\r\n\r\nbody\r\n", string(data))
}
