package store

import "fmt"

// StorageWriteError reports a single row that could not be written. Batch
// inserts log it and move on to the next row.
type StorageWriteError struct {
	Table string
	Key   string
	Err   error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("write %s row %s: %v", e.Table, e.Key, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

// SchemaMigrationError reports a failed in-place schema repair. The store
// keeps running on whatever schema resulted.
type SchemaMigrationError struct {
	Step string
	Err  error
}

func (e *SchemaMigrationError) Error() string {
	return fmt.Sprintf("schema migration %s: %v", e.Step, e.Err)
}

func (e *SchemaMigrationError) Unwrap() error { return e.Err }
