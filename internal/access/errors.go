package access

import "errors"

var (
	ErrNotFound            = errors.New("access: not found")
	ErrDuplicateCode       = errors.New("access: duplicate code")
	ErrCycleDetected       = errors.New("access: module hierarchy cycle")
	ErrInvalidGovernance   = errors.New("access: invalid governance")
	ErrActionNotAvailable  = errors.New("access: action not available on module")
	ErrSystemRoleImmutable = errors.New("access: system role is immutable")
	ErrRoleInUse           = errors.New("access: role is still assigned as primary")
	ErrInvalidInput        = errors.New("access: invalid input")
)
