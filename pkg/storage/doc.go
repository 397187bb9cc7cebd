// Package storage provides the interface to backend object stores.
//
// This package supports the following backends:
//   - local file system (with an atomic staged-write variant)
//   - S3 (AWS)
package storage
