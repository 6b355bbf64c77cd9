package images

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/boxkit/boxkit/errdefs"
)

// DockerResolver pulls images through the local Docker daemon and exports
// their filesystems into the cache. It is the default Resolver; boxes
// boot from the exported tree, not from Docker itself.
type DockerResolver struct {
	client   *client.Client
	cacheDir string
	logger   *slog.Logger
}

// NewDockerResolver creates a resolver backed by the Docker Engine API.
func NewDockerResolver(cacheDir string, logger *slog.Logger) (*DockerResolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindImage, "images.new", err)
	}
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStorage, "images.new", err)
	}
	return &DockerResolver{client: cli, cacheDir: cacheDir, logger: logger}, nil
}

// Close releases the Docker client.
func (r *DockerResolver) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Resolve implements Resolver. Registries are tried in order, first
// success wins. The exported rootfs is cached keyed by the original
// reference, so which registry satisfied it does not fragment the cache.
func (r *DockerResolver) Resolve(ctx context.Context, ref string, registries []string) (*Rootfs, error) {
	if ref == "" {
		return nil, errdefs.New(errdefs.KindInvalidArgument, "images.resolve", "image reference is empty")
	}

	dir := filepath.Join(r.cacheDir, CacheKey(ref))
	if cached, err := loadCached(dir); err == nil {
		r.logger.Debug("image cache hit", slog.String("ref", ref), slog.String("dir", dir))
		return cached, nil
	}

	var attempts []string
	for _, candidate := range Candidates(ref, registries) {
		rootfs, err := r.pullAndExport(ctx, candidate, dir)
		if err == nil {
			r.logger.Info("image resolved",
				slog.String("ref", ref),
				slog.String("resolved", candidate),
				slog.String("dir", dir),
			)
			return rootfs, nil
		}
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(errdefs.KindImage, "images.resolve", ctx.Err())
		}
		r.logger.Debug("registry attempt failed",
			slog.String("candidate", candidate),
			slog.String("error", err.Error()),
		)
		attempts = append(attempts, fmt.Sprintf("%s: %v", candidate, err))
	}

	return nil, errdefs.Newf(errdefs.KindImage, "images.resolve",
		"all registries exhausted for %q: %s", ref, strings.Join(attempts, "; "))
}

func (r *DockerResolver) pullAndExport(ctx context.Context, ref, dir string) (*Rootfs, error) {
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pulling: %w", err)
	}
	// The pull completes only once the progress stream is drained.
	_, copyErr := io.Copy(io.Discard, reader)
	reader.Close()
	if copyErr != nil {
		return nil, fmt.Errorf("pulling: %w", copyErr)
	}

	inspect, _, err := r.client.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspecting: %w", err)
	}

	// Export the flattened filesystem through a throwaway container.
	created, err := r.client.ContainerCreate(ctx, &container.Config{Image: ref}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating export container: %w", err)
	}
	defer func() {
		_ = r.client.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
	}()

	export, err := r.client.ContainerExport(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exporting: %w", err)
	}
	defer export.Close()

	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	rootfsDir := filepath.Join(dir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o750); err != nil {
		return nil, err
	}
	if err := extractTar(export, rootfsDir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("extracting: %w", err)
	}

	rootfs := &Rootfs{
		Dir: rootfsDir,
		Ref: ref,
	}
	if inspect.Config != nil {
		rootfs.Env = inspect.Config.Env
		rootfs.Entrypoint = inspect.Config.Entrypoint
		rootfs.Cmd = inspect.Config.Cmd
		rootfs.WorkingDir = inspect.Config.WorkingDir
	}
	if err := writeCacheMeta(dir, rootfs); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing cache metadata: %w", err)
	}
	return rootfs, nil
}

// extractTar unpacks a container export into dir. Every entry must land
// inside dir, both lexically and after resolving symlinks planted by
// earlier entries, so a crafted archive cannot write outside the cache.
func extractTar(r io.Reader, dir string) error {
	dir, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := entryTarget(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			// An earlier symlink entry at this path would redirect the
			// write; replace it with a regular file.
			if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			_ = os.Symlink(hdr.Linkname, target)
		case tar.TypeLink:
			src, err := entryTarget(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Link(src, target)
		default:
			// Device nodes and the like are recreated by the guest init.
		}
	}
}

// entryTarget maps a tar entry name into dir and rejects names that
// would land outside it, either lexically or through a symlinked parent
// created by an earlier entry. The parent directory exists afterwards.
// dir must already be symlink-resolved.
func entryTarget(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean("/"+name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry escapes rootfs: %s", name)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		return "", err
	}
	if parent != dir && !strings.HasPrefix(parent, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("tar entry escapes rootfs through a symlink: %s", name)
	}
	return filepath.Join(parent, filepath.Base(target)), nil
}
