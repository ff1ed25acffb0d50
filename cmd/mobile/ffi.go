//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

func cString(s string, err error) *C.char {
	current.setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func status(err error) C.int {
	current.setLastError(err)
	if err != nil {
		return 1
	}
	return 0
}

//export Init
// Init opens the engine with its database in dataDir. configPath may be
// empty. Returns 0 on success, non-zero on error.
func Init(dataDir, configPath *C.char) C.int {
	return status(current.init(C.GoString(dataDir), C.GoString(configPath)))
}

//export Cleanup
// Cleanup stops background sync and closes the database.
func Cleanup() C.int {
	return status(current.close())
}

//export GetLastError
// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
func GetLastError() *C.char {
	return C.CString(current.lastError())
}

//export SyncNow
// SyncNow runs one sync cycle and returns the result as JSON.
func SyncNow() *C.char {
	return cString(current.syncNow())
}

//export SyncStatus
// SyncStatus returns the current status as JSON.
func SyncStatus() *C.char {
	return cString(current.syncStatus())
}

//export RecordCreate
// RecordCreate inserts a record from a JSON object and queues it for sync.
func RecordCreate(table, fields *C.char) *C.char {
	return cString(current.recordCreate(C.GoString(table), C.GoString(fields)))
}

//export RecordUpdate
// RecordUpdate applies a JSON patch to a record and queues it for sync.
func RecordUpdate(table, localID, patch *C.char) *C.char {
	return cString(current.recordUpdate(C.GoString(table), C.GoString(localID), C.GoString(patch)))
}

//export RecordDelete
// RecordDelete removes a record and queues the delete.
func RecordDelete(table, localID *C.char) C.int {
	return status(current.recordDelete(C.GoString(table), C.GoString(localID)))
}

//export RecordList
// RecordList lists records of a table with pagination.
func RecordList(table *C.char, limit, offset C.int) *C.char {
	return cString(current.recordList(C.GoString(table), int(limit), int(offset)))
}

//export ConflictList
// ConflictList returns the unresolved conflicts as JSON.
func ConflictList() *C.char {
	return cString(current.conflictList())
}

//export ConflictResolve
// ConflictResolve resolves one conflict with the named strategy.
func ConflictResolve(id, strategy *C.char) *C.char {
	return cString(current.conflictResolve(C.GoString(id), C.GoString(strategy)))
}

//export FreeString
// FreeString frees a string allocated by Go.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
