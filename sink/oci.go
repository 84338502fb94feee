package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Media types for converted packages in OCI registries.
const (
	// ArtifactType identifies a converted extension as an OCI 1.1 artifact.
	ArtifactType = "application/vnd.meigma.crx.zip.v1"

	// MediaTypeZip is the media type of the ZIP payload layer.
	MediaTypeZip = "application/zip"
)

// Annotation keys set on pushed manifests.
const (
	AnnotationExtensionID = "io.github.meigma.crx.extension-id"
	AnnotationCRXVersion  = "io.github.meigma.crx.format"
)

// ErrInvalidTag is returned when Push is called without a tag.
var ErrInvalidTag = errors.New("sink: tag is required")

// OCI pushes ZIP payloads to an ORAS target.
type OCI struct {
	target oras.Target
	logger *slog.Logger
}

// OCIOption configures an OCI sink.
type OCIOption func(*OCI)

// WithLogger sets a logger for the sink.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) OCIOption {
	return func(o *OCI) {
		o.logger = logger
	}
}

// NewOCI creates a sink that pushes to target, such as a remote repository
// or an in-memory store.
func NewOCI(target oras.Target, opts ...OCIOption) *OCI {
	o := &OCI{target: target}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// log returns the logger, falling back to a discard logger if nil.
func (o *OCI) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

// Push uploads payload as the single layer of an artifact manifest and tags
// the manifest. It returns the manifest descriptor.
func (o *OCI) Push(ctx context.Context, tag, title string, payload []byte, annotations map[string]string) (ocispec.Descriptor, error) {
	if tag == "" {
		return ocispec.Descriptor{}, ErrInvalidTag
	}

	layer := content.NewDescriptorFromBytes(MediaTypeZip, payload)
	if title != "" {
		layer.Annotations = map[string]string{ocispec.AnnotationTitle: title}
	}
	exists, err := o.target.Exists(ctx, layer)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("check layer: %w", err)
	}
	if !exists {
		if err := o.target.Push(ctx, layer, bytes.NewReader(payload)); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("push layer: %w", err)
		}
	}

	manifestDesc, err := oras.PackManifest(ctx, o.target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: maps.Clone(annotations),
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pack manifest: %w", err)
	}
	if err := o.target.Tag(ctx, manifestDesc, tag); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("tag %q: %w", tag, err)
	}

	o.log().Info("sink: pushed",
		"tag", tag, "manifest", manifestDesc.Digest, "layer", layer.Digest, "bytes", layer.Size)
	return manifestDesc, nil
}

type repoConfig struct {
	plainHTTP bool
	userAgent string
	credStore credentials.Store
}

// RepositoryOption configures NewRepository.
type RepositoryOption func(*repoConfig)

// WithPlainHTTP enables plain HTTP (no TLS) for registries.
// This is useful for local development registries.
func WithPlainHTTP(enabled bool) RepositoryOption {
	return func(c *repoConfig) {
		c.plainHTTP = enabled
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) RepositoryOption {
	return func(c *repoConfig) {
		c.userAgent = ua
	}
}

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) RepositoryOption {
	return func(c *repoConfig) {
		c.credStore = store
	}
}

// WithDockerConfig enables reading credentials from ~/.docker/config.json.
// If the docker config cannot be loaded, no credentials are used.
func WithDockerConfig() RepositoryOption {
	return func(c *repoConfig) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		c.credStore = store
	}
}

// ParseRef splits "registry/repository:tag" into the repository reference
// and the tag.
func ParseRef(ref string) (repo, tag string, err error) {
	r, err := registry.ParseReference(ref)
	if err != nil {
		return "", "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if r.Reference == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTag, ref)
	}
	if _, digestErr := r.Digest(); digestErr == nil {
		return "", "", fmt.Errorf("%w: %q is a digest", ErrInvalidTag, ref)
	}
	return r.Registry + "/" + r.Repository, r.Reference, nil
}

// NewRepository creates a remote repository target for repo.
func NewRepository(repo string, opts ...RepositoryOption) (*remote.Repository, error) {
	cfg := repoConfig{userAgent: "crx2zip/1.0"}
	for _, opt := range opts {
		opt(&cfg)
	}

	r, err := remote.NewRepository(repo)
	if err != nil {
		return nil, fmt.Errorf("parse repository %q: %w", repo, err)
	}
	r.PlainHTTP = cfg.plainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	client.SetUserAgent(cfg.userAgent)
	if cfg.credStore != nil {
		client.Credential = credentials.Credential(cfg.credStore)
	}
	r.Client = client
	return r, nil
}
