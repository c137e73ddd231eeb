package persist

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/keyhold/keyhold/interfaces"
)

// NewAdapter creates a persistence adapter from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - in-process map
//   - file:///path - local filesystem
//   - s3://bucket/prefix?region=...&endpoint=...&access_key=...&secret_key=...
//   - vault://host:port/mount/path?token=...&tls=true
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func NewAdapter(locationURI string, log *slog.Logger) (interfaces.PersistenceAdapter, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid storage location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryAdapter(), nil
	case "file":
		return createFileAdapter(u, log)
	case "s3":
		return createS3Adapter(u, log)
	case "vault":
		return createVaultAdapter(u, log)
	default:
		return nil, fmt.Errorf("unsupported storage scheme: %s", u.Scheme)
	}
}

func createFileAdapter(u *url.URL, log *slog.Logger) (interfaces.PersistenceAdapter, error) {
	baseDir := u.Path
	if u.Host != "" {
		// file://relative/path parses the first segment as host.
		baseDir = u.Host + u.Path
	}
	if baseDir == "" {
		return nil, fmt.Errorf("file URI must include a path")
	}
	return NewFileAdapter(baseDir, log)
}

func createS3Adapter(u *url.URL, log *slog.Logger) (interfaces.PersistenceAdapter, error) {
	bucketName := u.Host
	if bucketName == "" {
		return nil, fmt.Errorf("s3 URI must include a bucket name")
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	query := u.Query()

	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}

	accessKey := query.Get("access_key")
	secretKey := query.Get("secret_key")
	if u.User != nil {
		accessKey = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			secretKey = pw
		}
	}

	return NewS3Adapter(bucketName, prefix, region, query.Get("endpoint"), accessKey, secretKey, log)
}

func createVaultAdapter(u *url.URL, log *slog.Logger) (interfaces.PersistenceAdapter, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("vault URI must include a host")
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" {
		return nil, fmt.Errorf("vault URI path must be /mount/datapath")
	}
	mountPath := segments[0]
	dataPath := strings.Join(segments[1:], "/")

	query := u.Query()
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	token := query.Get("token")
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			token = pw
		} else {
			token = u.User.Username()
		}
	}
	if token == "" {
		return nil, fmt.Errorf("vault URI must include a token")
	}

	return NewVaultKVAdapter(address, mountPath, dataPath, token, log)
}
