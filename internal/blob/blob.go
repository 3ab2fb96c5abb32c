// Package blob stores leave attachments in an external object store.
package blob

import (
	"context"
	"fmt"

	"classattend/internal/config"
)

// Store is implemented by every backend.
type Store interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// New picks the backend named by BLOB_BACKEND. It returns nil for "none".
func New(cfg config.App) (Store, error) {
	switch cfg.BlobBackend {
	case "none", "":
		return nil, nil
	case "cloudinary":
		if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
			return nil, fmt.Errorf("blob: cloudinary credentials missing")
		}
		return NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder), nil
	case "oss":
		s, err := NewOSS(cfg.OSSEndpoint, cfg.OSSAccessKeyID, cfg.OSSAccessKeySecret, cfg.OSSBucket, cfg.OSSPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", cfg.BlobBackend)
	}
}
