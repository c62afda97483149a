package store

import (
	"errors"

	"github.com/itohio/govfd/pkg/sample"
)

// Sink persists window records.
type Sink interface {
	Write(rec sample.Record) error
	Close() error
}

// Multi fans records out to several sinks.
type Multi []Sink

var _ Sink = Multi(nil)

// Write writes to every sink and joins the errors.
func (m Multi) Write(rec sample.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and joins the errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
