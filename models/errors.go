package models

import "errors"

var (
	// ErrNotFound means the group id or code is not known to the registry.
	ErrNotFound = errors.New("group not found")
	// ErrDuplicateCode means the requested group code is already in use by a
	// live group.
	ErrDuplicateCode = errors.New("group code already in use")
	// ErrDuplicateID means the requested group id is already in use by a
	// live group.
	ErrDuplicateID = errors.New("group id already in use")
	// ErrPermissionDenied means a non-admin attempted an admin-only
	// operation.
	ErrPermissionDenied = errors.New("permission denied")
)
