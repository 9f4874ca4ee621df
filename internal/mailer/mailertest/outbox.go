// Package mailertest provides an in-memory mail sender that captures messages
// so tests can read one-time codes out of them.
package mailertest

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// Message is a captured email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Outbox records every message passed to Send.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
	err      error
	ch       chan Message
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{ch: make(chan Message, 64)}
}

// FailWith makes later sends return err without recording the message.
func (o *Outbox) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *Outbox) Send(_ context.Context, to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	m := Message{To: to, Subject: subject, Body: body}
	o.messages = append(o.messages, m)
	select {
	case o.ch <- m:
	default:
	}
	return nil
}

// Messages returns a copy of the captured messages.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

// Next waits up to timeout for the next message. Sends are asynchronous, so
// tests use this instead of Messages.
func (o *Outbox) Next(timeout time.Duration) (Message, bool) {
	select {
	case m := <-o.ch:
		return m, true
	case <-time.After(timeout):
		return Message{}, false
	}
}

var codePattern = regexp.MustCompile(`code is ([A-Z0-9]+)\.`)

// Code extracts the verification code from a message body.
func (m Message) Code() string {
	match := codePattern.FindStringSubmatch(m.Body)
	if match == nil {
		return ""
	}
	return match[1]
}
