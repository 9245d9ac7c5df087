package main

import (
	"github.com/go-faster/errors"

	"github.com/OVCR-ORIA/discovery/modules/colleges"
	"github.com/OVCR-ORIA/discovery/modules/faculty"
	"github.com/OVCR-ORIA/discovery/modules/foundation"
	"github.com/OVCR-ORIA/discovery/modules/gco"
	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/modules/starmetrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string {
	return e.err.Error()
}

func (e *cliError) Unwrap() error {
	return e.err
}

const (
	exitOK         = 0
	exitGeneric    = 1
	exitValidation = 2
	exitUsage      = 3
	exitDB         = 4
	exitDBWrite    = 5
	exitExternal   = 6
)

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &cliError{code: code, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitGeneric
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// classify attaches an exit code to a loader error that has none yet.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case isAny(err, tabular.ErrInvalidInput, gco.ErrHierarchy):
		return withCode(exitValidation, err)
	case isAny(err,
		master.ErrDataSourceNonExistent, master.ErrSchemeNonExistent, master.ErrRelationshipNonExistent,
		colleges.ErrUnknownFilter, foundation.ErrHeaderMode, starmetrics.ErrPeriod, faculty.ErrKeyRange):
		return withCode(exitUsage, err)
	case isAny(err, master.ErrNonExistentEntity, oria.ErrIntegrity, oria.ErrLookup):
		return withCode(exitDBWrite, err)
	case isAny(err, starmetrics.ErrAuthentication, starmetrics.ErrOutput):
		return withCode(exitExternal, err)
	}
	return err
}

// external marks an unclassified error as an external service failure.
func external(err error) error {
	err = classify(err)
	if err != nil && exitCode(err) == exitGeneric {
		return withCode(exitExternal, err)
	}
	return err
}
