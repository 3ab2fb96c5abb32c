package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
)

// OSS uploads files to an Aliyun OSS bucket.
type OSS struct {
	bucket     *oss.Bucket
	endpoint   string
	bucketName string
	prefix     string
}

func NewOSS(endpoint, accessKeyID, accessKeySecret, bucketName, prefix string) (*OSS, error) {
	if endpoint == "" || accessKeyID == "" || accessKeySecret == "" || bucketName == "" {
		return nil, fmt.Errorf("oss: endpoint, credentials and bucket are required")
	}
	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("oss.New: %w", err)
	}
	bkt, err := client.Bucket(bucketName)
	if err != nil {
		return nil, fmt.Errorf("client.Bucket: %w", err)
	}
	return &OSS{bucket: bkt, endpoint: endpoint, bucketName: bucketName, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *OSS) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	objectKey := s.objectKey(key)
	opts := []oss.Option{
		oss.WithContext(ctx),
		oss.ContentDisposition("inline"),
	}
	if contentType != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	if err := s.bucket.PutObject(objectKey, bytes.NewReader(data), opts...); err != nil {
		return "", fmt.Errorf("oss: put %s: %w", objectKey, err)
	}
	return s.PublicURL(objectKey), nil
}

func (s *OSS) objectKey(key string) string {
	key = strings.TrimLeft(key, "/")
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// PublicURL is the virtual-hosted URL of an object.
func (s *OSS) PublicURL(objectKey string) string {
	end := strings.TrimPrefix(strings.TrimPrefix(s.endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", s.bucketName, end, objectKey)
}
