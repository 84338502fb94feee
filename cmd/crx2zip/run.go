package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/crx"
	"github.com/meigma/crx/cache/disk"
	crxhttp "github.com/meigma/crx/http"
	"github.com/meigma/crx/sink"
	"github.com/meigma/crx/webstore"
)

// input is one package to convert.
type input struct {
	name string // base name used for output files
	open func(ctx context.Context) (crx.ByteSource, func(), error)
}

// result is the outcome of converting one input.
type result struct {
	dest        string
	digest      digest.Digest
	extensionID string
	report      string
}

func run(ctx context.Context, cfg config, stdout io.Writer, logger *slog.Logger) error {
	inputs, err := collectInputs(cfg, logger)
	if err != nil {
		return err
	}

	var push *pushTarget
	if cfg.push != "" && !cfg.inspect {
		push, err = newPushTarget(cfg, logger)
		if err != nil {
			return err
		}
	}

	results := make([]result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.jobs)
	for i, in := range inputs {
		g.Go(func() error {
			res, err := convertOne(gctx, cfg, in, push.forInput(in.name, len(inputs) > 1), logger)
			if err != nil {
				return fmt.Errorf("%s: %w", in.name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if cfg.inspect {
			fmt.Fprint(stdout, res.report)
			continue
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", res.dest, res.digest, res.extensionID)
	}
	return nil
}

func collectInputs(cfg config, logger *slog.Logger) ([]input, error) {
	inputs := make([]input, 0, len(cfg.files)+len(cfg.ids))
	for _, arg := range cfg.files {
		if isURL(arg) {
			inputs = append(inputs, input{
				name: urlBaseName(arg),
				open: func(ctx context.Context) (crx.ByteSource, func(), error) {
					src, err := crxhttp.Open(ctx, arg, crxhttp.WithIfMatch(), crxhttp.WithLogger(logger))
					if err != nil {
						return nil, nil, err
					}
					return src, func() {}, nil
				},
			})
			continue
		}
		inputs = append(inputs, input{
			name: strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg)),
			open: func(context.Context) (crx.ByteSource, func(), error) {
				return openFile(arg)
			},
		})
	}
	if len(cfg.ids) > 0 {
		client, err := newWebstoreClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		inputs = appendStoreInputs(inputs, client, cfg.ids)
	}
	uniqueNames(inputs)
	return inputs, nil
}

func appendStoreInputs(inputs []input, client *webstore.Client, ids []string) []input {
	for _, id := range ids {
		inputs = append(inputs, input{
			name: id,
			open: func(ctx context.Context) (crx.ByteSource, func(), error) {
				data, err := client.Fetch(ctx, id)
				if err != nil {
					return nil, nil, err
				}
				return bytes.NewReader(data), func() {}, nil
			},
		})
	}
	return inputs
}

// uniqueNames suffixes repeated input names with -1, -2, ... so that inputs
// sharing a base name never write to the same output.
func uniqueNames(inputs []input) {
	taken := make(map[string]bool, len(inputs))
	for i := range inputs {
		taken[inputs[i].name] = true
	}
	seen := make(map[string]bool, len(inputs))
	for i := range inputs {
		name := inputs[i].name
		if !seen[name] {
			seen[name] = true
			continue
		}
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s-%d", name, n)
			if !taken[candidate] {
				inputs[i].name = candidate
				taken[candidate] = true
				seen[candidate] = true
				break
			}
		}
	}
}

// maxTagLen is the longest tag an OCI distribution registry accepts.
const maxTagLen = 128

// pushTag returns the tag for one input. With several inputs each gets
// "<tag>-<name>" so pushes do not overwrite each other.
func pushTag(tag, name string, multi bool) string {
	if !multi || tag == "" {
		return tag
	}
	var b strings.Builder
	b.WriteString(tag)
	b.WriteByte('-')
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > maxTagLen {
		out = out[:maxTagLen]
	}
	return out
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func urlBaseName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "download"
	}
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return "download"
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// payload returns a reader over the ZIP bytes of pkg. Remote sources stream
// the payload with one ranged request.
func payload(src crx.ByteSource, pkg *crx.Package) (io.ReadCloser, error) {
	if rs, ok := src.(*crxhttp.Source); ok {
		return rs.OpenRange(pkg.PayloadOffset, pkg.PayloadSize)
	}
	return io.NopCloser(pkg.Payload()), nil
}

func newWebstoreClient(cfg config, logger *slog.Logger) (*webstore.Client, error) {
	opts := []webstore.Option{
		webstore.WithBaseURL(cfg.baseURL),
		webstore.WithQuery(cfg.query),
		webstore.WithLogger(logger),
	}
	if cfg.cacheDir != "" {
		cache, err := disk.New(cfg.cacheDir, disk.WithMaxBytes(cfg.cacheMaxBytes))
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		opts = append(opts, webstore.WithCache(cache))
	}
	return webstore.New(opts...), nil
}

// pushTarget is where -push sends converted payloads.
type pushTarget struct {
	oci  *sink.OCI
	repo string
	tag  string
}

func newPushTarget(cfg config, logger *slog.Logger) (*pushTarget, error) {
	repoRef, tag, err := sink.ParseRef(cfg.push)
	if err != nil {
		return nil, err
	}
	repo, err := sink.NewRepository(repoRef, sink.WithPlainHTTP(cfg.plainHTTP), sink.WithDockerConfig())
	if err != nil {
		return nil, err
	}
	return &pushTarget{oci: sink.NewOCI(repo, sink.WithLogger(logger)), repo: repoRef, tag: tag}, nil
}

// forInput returns the target for one input, or nil when not pushing.
func (p *pushTarget) forInput(name string, multi bool) *pushTarget {
	if p == nil {
		return nil
	}
	return &pushTarget{oci: p.oci, repo: p.repo, tag: pushTag(p.tag, name, multi)}
}

// ref returns the full reference the payload is tagged under.
func (p *pushTarget) ref() string {
	return p.repo + ":" + p.tag
}

func openFile(name string) (crx.ByteSource, func(), error) {
	f, err := os.Open(name) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return crx.NewFileSource(f, info.Size()), func() { _ = f.Close() }, nil
}

func convertOne(ctx context.Context, cfg config, in input, push *pushTarget, logger *slog.Logger) (result, error) {
	src, closeSrc, err := in.open(ctx)
	if err != nil {
		return result{}, err
	}
	defer closeSrc()

	pkg, err := crx.Open(src, cfg.crxOptions(logger.With("input", in.name))...)
	if err != nil {
		return result{}, err
	}
	res := result{extensionID: pkg.ExtensionID()}

	body, err := payload(src, pkg)
	if err != nil {
		return result{}, err
	}
	defer body.Close()

	switch {
	case cfg.inspect:
		res.report, err = inspectReport(in.name, pkg, body)
		return res, err

	case push != nil:
		zipBytes, err := io.ReadAll(body)
		if err != nil {
			return result{}, err
		}
		annotations := map[string]string{
			sink.AnnotationCRXVersion: pkg.Layers[0].Version.String(),
		}
		if res.extensionID != "" {
			annotations[sink.AnnotationExtensionID] = res.extensionID
		}
		if _, err := push.oci.Push(ctx, push.tag, in.name+".zip", zipBytes, annotations); err != nil {
			return result{}, err
		}
		res.dest = push.ref()
		res.digest = digest.FromBytes(zipBytes)
		return res, nil

	default:
		fileOpts := cfg.fileOptions()
		res.dest = filepath.Join(cfg.outDir, in.name+".zip")
		if cfg.zstd {
			res.dest += sink.CompressionZstd.Ext()
		}
		digester := digest.Canonical.Digester()
		if _, err := sink.WriteFile(res.dest, io.TeeReader(body, digester.Hash()), fileOpts...); err != nil {
			return result{}, err
		}
		res.digest = digester.Digest()
		return res, nil
	}
}

func inspectReport(name string, pkg *crx.Package, body io.Reader) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", name)
	for i, h := range pkg.Layers {
		fmt.Fprintf(&b, "  layer %d: %s header=%d signature=%d payload-offset=%d identity=%d bytes\n",
			i, h.Version, h.HeaderLength, h.SignatureLength, h.PayloadOffset, len(h.Identity))
	}
	fmt.Fprintf(&b, "  payload: offset=%d size=%d\n", pkg.PayloadOffset, pkg.PayloadSize)
	if id := pkg.ExtensionID(); id != "" {
		fmt.Fprintf(&b, "  extension-id: %s\n", id)
	}
	if pkg.IdentityMismatch() {
		b.WriteString("  warning: public key differs between layers\n")
	}

	zipBytes, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m, err := crx.ReadManifest(zipBytes)
	if err != nil {
		fmt.Fprintf(&b, "  manifest: %v\n", err)
		return b.String(), nil
	}
	fmt.Fprintf(&b, "  manifest: name=%q version=%q manifest_version=%d\n", m.Name, m.Version, m.ManifestVersion)
	writeManifestKeyCheck(&b, m, pkg.ExtensionID())
	return b.String(), nil
}

// writeManifestKeyCheck compares the manifest "key" with the package signer.
func writeManifestKeyCheck(b *strings.Builder, m *crx.Manifest, packageID string) {
	key, err := m.PublicKey()
	switch {
	case err != nil:
		fmt.Fprintf(b, "  manifest key: %v\n", err)
	case key == nil:
	case packageID == "":
		fmt.Fprintf(b, "  manifest key: %s (package key unknown)\n", crx.ExtensionID(key))
	case crx.ExtensionID(key) == packageID:
		b.WriteString("  manifest key: matches package\n")
	default:
		fmt.Fprintf(b, "  warning: manifest key %s does not match package %s\n", crx.ExtensionID(key), packageID)
	}
}
