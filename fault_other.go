//go:build !windows

package hookengine

import "github.com/pkg/errors"

type noExceptions struct{}

func processExceptions() ExceptionSource { return noExceptions{} }

func (noExceptions) Subscribe(ExceptionHandler) (func(), error) {
	return nil, errors.New("vectored exception handling is only available on windows")
}
