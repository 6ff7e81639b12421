// Package torrentclient declares the capability surface the Payload Engine
// needs from an external torrent client, without providing an HTTP
// implementation. Request/response shapes are modeled after a qBittorrent
// Web API client, but hashall does not import one — only a pure interface
// lives here so a concrete adapter can be added later without touching the
// Payload Engine.
package torrentclient

import "context"

// TorrentFile is one file entry within a torrent's logical file tree, as
// reported by the client (mirrors qbittorrent's per-file listing shape).
type TorrentFile struct {
	Name string
	Size int64
}

// Torrent is the subset of client-reported torrent metadata the Payload
// Engine needs to resolve a content root and drive demotion.
type Torrent struct {
	Hash        string
	Name        string
	ContentPath string
	SavePath    string
	Category    string
	Tags        string
}

// Client is the capability interface the Payload Engine depends on. A real
// implementation would speak a torrent client's HTTP API (qBittorrent's Web
// API, for example); hashall ships none.
type Client interface {
	// ListTorrents returns every torrent the client currently manages.
	ListTorrents(ctx context.Context) ([]Torrent, error)
	// FilesOf returns a torrent's logical file tree.
	FilesOf(ctx context.Context, hash string) ([]TorrentFile, error)
	// Pause stops a torrent's activity before a location change.
	Pause(ctx context.Context, hash string) error
	// SetLocation instructs the client to move a torrent's save path.
	SetLocation(ctx context.Context, hash, path string) error
	// Resume restarts a torrent after a location change.
	Resume(ctx context.Context, hash string) error
	// Info returns current client-reported metadata for one torrent, used
	// to verify the save path took effect after a resume.
	Info(ctx context.Context, hash string) (Torrent, error)
}
