package submission

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/migadu/sieve/sieve/mail"
)

// Message is one submission captured by a Recorder.
type Message struct {
	Sender     string
	Recipients []string
	Data       []byte
}

// Recorder is an in-memory Submitter that keeps every finished submission.
type Recorder struct {
	// Result and Err are returned by every Finish when Result is not SubmitOK.
	Result mail.SubmitResult
	Err    error

	mu       sync.Mutex
	messages []Message
	aborted  int
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Start(_ context.Context, sender string) (mail.Submission, error) {
	return &recordedSubmission{rec: r, msg: Message{Sender: sender}}, nil
}

// Messages returns the finished submissions in order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Recipients returns the recipients of every finished submission.
func (r *Recorder) Recipients() []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Recipients...)
	}
	return out
}

// Aborted returns the number of submissions that were aborted.
func (r *Recorder) Aborted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

type recordedSubmission struct {
	rec *Recorder
	msg Message
	buf bytes.Buffer
}

func (s *recordedSubmission) AddRecipient(rcpt string) error {
	s.msg.Recipients = append(s.msg.Recipients, rcpt)
	return nil
}

func (s *recordedSubmission) Writer() io.Writer { return &s.buf }

func (s *recordedSubmission) Finish(_ context.Context) (mail.SubmitResult, error) {
	if s.rec.Result != mail.SubmitOK {
		return s.rec.Result, s.rec.Err
	}
	s.msg.Data = append([]byte(nil), s.buf.Bytes()...)
	s.rec.mu.Lock()
	s.rec.messages = append(s.rec.messages, s.msg)
	s.rec.mu.Unlock()
	return mail.SubmitOK, nil
}

func (s *recordedSubmission) Abort() {
	s.rec.mu.Lock()
	s.rec.aborted++
	s.rec.mu.Unlock()
}
