package pages

import (
	"github.com/mkurata/stflash/internal/session"
)

// fakeSession is a scripted FlashController for page tests.
type fakeSession struct {
	submitErr error
	notify    chan session.Notification

	submitted    []session.Request
	cancels      int
	acknowledges int
	snapshot     session.Snapshot
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		notify: make(chan session.Notification, 16),
	}
}

func (f *fakeSession) Submit(req session.Request) (<-chan session.Notification, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.notify, nil
}

func (f *fakeSession) Cancel() {
	f.cancels++
}

func (f *fakeSession) State() session.Snapshot {
	return f.snapshot
}

func (f *fakeSession) Acknowledge() {
	f.acknowledges++
}
