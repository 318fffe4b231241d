package vms

import (
	"context"
	"fmt"

	"github.com/dj-oyu/parkwatch/internal/logger"
	"github.com/dj-oyu/parkwatch/pkg/types"
)

const DefaultPlaylist = "parking"

// Directory resolves the cameras of one named playlist.
type Directory struct {
	client   *Client
	session  *Session
	playlist string
	log      *logger.ModuleLogger
}

func NewDirectory(client *Client, session *Session, playlist string) *Directory {
	if playlist == "" {
		playlist = DefaultPlaylist
	}
	return &Directory{client: client, session: session, playlist: playlist, log: logger.For("VMS")}
}

// ResolveCameras returns the playlist's cameras in VMS order. A camera id
// listed twice keeps its first position and its last stream URL. Every
// failure wraps ErrDirectoryUnavailable.
func (d *Directory) ResolveCameras(ctx context.Context) ([]types.CameraStream, error) {
	playlists, err := d.client.Playlists(ctx, d.session)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	var id ID
	found := false
	for _, p := range playlists {
		if p.Name == d.playlist {
			id, found = p.ID, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: playlist %q not found among %d", ErrDirectoryUnavailable, d.playlist, len(playlists))
	}

	cams, err := d.client.Cameras(ctx, d.session, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	out := make([]types.CameraStream, 0, len(cams))
	pos := make(map[string]int, len(cams))
	for _, c := range cams {
		if i, dup := pos[c.CameraID]; dup {
			d.log.Warn("camera %s listed twice in playlist %q", c.CameraID, d.playlist)
			out[i].StreamURL = c.StreamURL
			continue
		}
		pos[c.CameraID] = len(out)
		out = append(out, c)
	}
	d.log.Debug("playlist %q: %d cameras", d.playlist, len(out))
	return out, nil
}
