package store

import (
	"strings"

	"github.com/jobcacher/azstash/transfer"
)

const (
	// Azure Blob Storage with transfers executed on the owning worker
	AzureBlobStore = "azure_blob"
	// any gocloud.dev bucket URL, transfers executed on the controller
	GocloudStore = "gocloud"
)

// TransferInfo describes a completed upload or download.
type TransferInfo = transfer.Info

func IsValidStore(storeType string) bool {
	switch storeType {
	case AzureBlobStore, GocloudStore:
		return true
	default:
		return false
	}
}

// normalizePrefix ensures the prefix has the correct format
func normalizePrefix(prefix string) string {
	// Remove leading slash if present
	prefix = strings.TrimPrefix(prefix, "/")
	// Add trailing slash if not empty and doesn't have one
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
