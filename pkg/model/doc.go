// Package model holds the data model shared across the engine: tensor
// descriptors, the manifest schema and its serialization contract, dtype
// handling and the remote object layout.
package model
