package campaign

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventLog collects the order in which shutdown touched each resource.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeLink struct {
	log      *eventLog
	sendErr  error
	stopErr  error
	panicOn  string
	closeErr error
}

func (f *fakeLink) Send(cmd string) error {
	if f.panicOn == cmd {
		panic("write on dead port")
	}
	f.log.add("send " + cmd)
	return f.sendErr
}

func (f *fakeLink) StopReading() error {
	f.log.add("stop reading")
	return f.stopErr
}

func (f *fakeLink) Close() error {
	f.log.add("close link")
	return f.closeErr
}

type fakeCloser struct {
	log *eventLog
	err error
}

func (f *fakeCloser) Close() error {
	f.log.add("close sink")
	return f.err
}

func TestSupervisor_Order(t *testing.T) {
	log := &eventLog{}
	c, err := New(testConfig("fixed"), &recordingSender{}, nil)
	require.NoError(t, err)

	s := NewSupervisor(c, &fakeLink{log: log}, &fakeCloser{log: log}, 0, nil)
	require.NoError(t, s.Shutdown())

	assert.Equal(t, []string{
		"send SET_HZ 0",
		"send STOP",
		"stop reading",
		"close link",
		"close sink",
	}, log.Events())
	assert.Equal(t, PhaseStopped, c.Phase())
	assert.Equal(t, "shutdown", c.StopReason())
}

func TestSupervisor_KeepsGoingAfterErrors(t *testing.T) {
	log := &eventLog{}
	link := &fakeLink{
		log:      log,
		sendErr:  errors.New("port gone"),
		closeErr: errors.New("close failed"),
	}
	sinkErr := errors.New("disk full")

	s := NewSupervisor(nil, link, &fakeCloser{log: log, err: sinkErr}, 0, nil)
	err := s.Shutdown()

	require.Error(t, err)
	assert.ErrorIs(t, err, sinkErr)
	assert.ErrorIs(t, err, link.sendErr)
	assert.ErrorIs(t, err, link.closeErr)
	assert.Contains(t, err.Error(), "zero frequency")
	assert.Contains(t, err.Error(), "stop drive")
	assert.Len(t, log.Events(), 5, "every step ran")
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	log := &eventLog{}
	link := &fakeLink{log: log, panicOn: "SET_HZ 0"}

	s := NewSupervisor(nil, link, &fakeCloser{log: log}, 0, nil)
	err := s.Shutdown()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, []string{"send STOP", "stop reading", "close link", "close sink"}, log.Events())
}

func TestSupervisor_Once(t *testing.T) {
	log := &eventLog{}
	s := NewSupervisor(nil, &fakeLink{log: log}, &fakeCloser{log: log}, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Shutdown())
		}()
	}
	wg.Wait()

	assert.Len(t, log.Events(), 5)
}

func TestSupervisor_NilResources(t *testing.T) {
	s := NewSupervisor(nil, nil, nil, 0, nil)
	assert.NoError(t, s.Shutdown())
}
