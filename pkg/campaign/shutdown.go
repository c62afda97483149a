package campaign

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/itohio/govfd/pkg/vfd"
)

// Link is the part of a vfd.Link the Supervisor needs.
type Link interface {
	Sender
	StopReading() error
	Close() error
}

var _ Link = (*vfd.Link)(nil)

// Supervisor brings the drive down and releases resources exactly once.
type Supervisor struct {
	ctrl   *Controller
	link   Link
	sink   io.Closer
	pause  time.Duration
	logger *slog.Logger

	once sync.Once
	err  error
}

// NewSupervisor creates a supervisor. Any of ctrl, link or sink may be nil.
func NewSupervisor(ctrl *Controller, link Link, sink io.Closer, pause time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		ctrl:   ctrl,
		link:   link,
		sink:   sink,
		pause:  pause,
		logger: logger,
	}
}

// Shutdown halts the controller, sets the drive to 0 Hz, stops it, stops the
// reader, closes the link and closes the sink, in that order. Every step runs
// even if an earlier one failed. Later calls return the first result.
func (s *Supervisor) Shutdown() error {
	s.once.Do(func() {
		s.err = s.shutdown()
	})
	return s.err
}

func (s *Supervisor) shutdown() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"halt controller", func() error {
			if s.ctrl != nil {
				s.ctrl.Halt("shutdown")
			}
			return nil
		}},
		{"zero frequency", func() error { return s.send(vfd.SetHz(0)) }},
		{"pause", func() error {
			time.Sleep(s.pause)
			return nil
		}},
		{"stop drive", func() error { return s.send(vfd.Stop()) }},
		{"stop reader", func() error {
			if s.link == nil {
				return nil
			}
			return s.link.StopReading()
		}},
		{"close link", func() error {
			if s.link == nil {
				return nil
			}
			return s.link.Close()
		}},
		{"close sinks", func() error {
			if s.sink == nil {
				return nil
			}
			return s.sink.Close()
		}},
	}

	var errs []error
	for _, st := range steps {
		if err := s.step(st.name, st.fn); err != nil {
			s.logger.Error("shutdown step failed", slog.String("step", st.name), slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("shutdown step done", slog.String("step", st.name))
	}

	if s.ctrl != nil {
		s.ctrl.finish()
	}

	return errors.Join(errs...)
}

func (s *Supervisor) step(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: panic: %v", name, p)
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Supervisor) send(cmd string) error {
	if s.link == nil {
		return nil
	}
	err := s.link.Send(cmd)
	if s.ctrl != nil {
		s.ctrl.metrics.Command(vfd.Verb(cmd), err)
	}
	return err
}
