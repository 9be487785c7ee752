package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

// IPFSBackend archives content on an IPFS node. IPFS addresses content by
// its own CID, so the backend keeps a content id to CID index for the
// lifetime of the process and publishes each namespace through MFS
// (/<root>/<namespace>/<content id>) so archived events survive restarts.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string

	mu   sync.RWMutex
	cids map[string]string
}

// NewIPFSBackend creates a backend talking to the IPFS HTTP API at host:port.
func NewIPFSBackend(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if root == "" {
		root = "/identity-archive"
	}
	apiURL := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		root:        "/" + strings.Trim(root, "/"),
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, root, timeout),
		cids:        make(map[string]string),
	}, nil
}

// Fetch reads content by id from MFS.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, ns interfaces.Namespace) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, b.mfsPath(id, ns))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("IPFS content does not match id %s", id.Short())
	}
	return data, nil
}

// Store adds data to IPFS and links it into MFS under its content id.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, ns interfaces.Namespace) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data), shell.Pin(true))
	if err != nil {
		return id, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	dir := b.root + "/" + ns.String()
	if err := b.shell.FilesMkdir(ctx, dir, shell.FilesMkdir.Parents(true)); err != nil {
		return id, fmt.Errorf("failed to create IPFS directory: %w", err)
	}
	target := b.mfsPath(id, ns)
	if _, err := b.shell.FilesStat(ctx, target); err != nil {
		if err := b.shell.FilesCp(ctx, "/ipfs/"+cid, target); err != nil {
			return id, fmt.Errorf("failed to link IPFS content: %w", err)
		}
	}

	b.mu.Lock()
	b.cids[id.String()] = cid
	b.mu.Unlock()

	b.log.Debug("Stored content in IPFS",
		slog.String("cid", cid),
		slog.String("content_id", id.Short()),
		slog.String("namespace", ns.String()))
	return id, nil
}

// CID returns the IPFS CID of content stored by this process.
func (b *IPFSBackend) CID(id interfaces.ContentID) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cid, ok := b.cids[id.String()]
	return cid, ok
}

// Available reports whether the IPFS API answers.
func (b *IPFSBackend) Available(context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, ns interfaces.Namespace) string {
	return fmt.Sprintf("%s/%s/%s", b.root, ns.String(), id.String())
}
