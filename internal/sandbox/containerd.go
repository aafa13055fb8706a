package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client is the containerd connection of the container backend, pinned to
// one namespace. It also remembers which analysis images are unpacked so
// that only the first run pays for the lookup.
type Client struct {
	inner     *containerd.Client
	namespace string

	mu     sync.Mutex
	images map[string]containerd.Image
}

// NewClient dials containerd and checks that the daemon answers.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	v, err := inner.Version(ctx)
	if err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd at %s is not answering: %w", socket, err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Str("containerd_version", v.Version).
		Msg("connected to containerd")

	return &Client{
		inner:     inner,
		namespace: namespace,
		images:    make(map[string]containerd.Image),
	}, nil
}

func (c *Client) Raw() *containerd.Client {
	return c.inner
}

// WithNamespace scopes ctx to the backend's namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// EnsureImage returns the unpacked image, pulling it on first use.
func (c *Client) EnsureImage(ctx context.Context, ref string) (containerd.Image, error) {
	c.mu.Lock()
	img, ok := c.images[ref]
	c.mu.Unlock()
	if ok {
		return img, nil
	}

	ctx = c.WithNamespace(ctx)
	img, err := c.inner.GetImage(ctx, ref)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err):
		log.Info().Str("image", ref).Msg("pulling analysis image")
		img, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("pulling image %s: %w", ref, err)
		}
	default:
		return nil, fmt.Errorf("looking up image %s: %w", ref, err)
	}

	c.mu.Lock()
	c.images[ref] = img
	c.mu.Unlock()
	return img, nil
}

func (c *Client) Close() error {
	return c.inner.Close()
}
