package utils

import "errors"

// ErrorRecordNotFound is the storage-agnostic not-found sentinel. HTTP
// handlers map it to a 404 without inspecting driver errors.
var ErrorRecordNotFound = errors.New("record not found")
