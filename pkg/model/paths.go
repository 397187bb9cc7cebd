package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Remote object layout: blobs go under the same sharded namespace as the
// local store, manifests are ordinary objects under their own namespace.
const (
	// BlobNamespace is the key prefix of blob objects, local and remote
	BlobNamespace = "blobs/"

	// ManifestNamespace is the key prefix of manifest objects on a remote
	ManifestNamespace = "manifests/"
)

var (
	tensorNameRe = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)
	bucketNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{0,61}[a-z0-9]$`)
)

// ManifestObjectKey is the remote object key a named manifest syncs under
func ManifestObjectKey(name string) string {
	return ManifestNamespace + name + ManifestSuffix
}

// ValidateTensorName rejects names that could not have come from a valid
// container header or that would escape a path-based store.
func ValidateTensorName(name string) error {
	if name == "" || len(name) > 256 {
		return errors.New("tensor name must be between 1 and 256 characters")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("tensor name %q: path traversal", name)
	}
	if !tensorNameRe.MatchString(name) {
		return fmt.Errorf("invalid characters in tensor name %q", name)
	}
	return nil
}

// ParseEndpoint validates a remote endpoint of the form s3://bucket and
// returns the bucket name.
func ParseEndpoint(endpoint string) (string, error) {
	if !strings.HasPrefix(endpoint, "s3://") {
		return "", fmt.Errorf("endpoint %q: must start with s3://", endpoint)
	}
	bucket := strings.TrimSuffix(strings.TrimPrefix(endpoint, "s3://"), "/")
	if !bucketNameRe.MatchString(bucket) {
		return "", fmt.Errorf(
			"invalid bucket name %q: must be 1-63 characters, lowercase letters, digits, hyphens and dots only",
			bucket)
	}
	return bucket, nil
}
