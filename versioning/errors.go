package versioning

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionLimit is returned when a ledger cannot take another record.
	ErrVersionLimit = errors.New("versioning: version record limit reached")

	// ErrUnsupportedMethod is returned for methods that cannot have more
	// than one code body.
	ErrUnsupportedMethod = errors.New("versioning: method does not support code versioning")

	ErrShuttingDown         = errors.New("versioning: manager is shut down")
	ErrRejitStateRegression = errors.New("versioning: rejit state cannot move backwards")
	ErrCodeGeneration       = errors.New("versioning: code generation failed")
	ErrUnknownILVersion     = errors.New("versioning: IL version does not belong to method")
	ErrNoCodeGenerator      = errors.New("versioning: no code generator configured")

	// ErrPartialPublish is the aggregate error of a batch in which at least
	// one entry failed. The per-entry detail is in the returned
	// []CodePublishError.
	ErrPartialPublish = errors.New("versioning: some methods failed to publish")
)

// CodePublishError records the failure of one method in a batch publish.
type CodePublishError struct {
	Module Module
	Token  MethodToken
	Method Method
	Err    error
}

func (e CodePublishError) Error() string {
	name := "<none>"
	if e.Method != nil {
		name = e.Method.Name()
	}
	return fmt.Sprintf("%s (%s): %v", MethodKey{Module: e.Module, Token: e.Token}, name, e.Err)
}

func (e CodePublishError) Unwrap() error {
	return e.Err
}
