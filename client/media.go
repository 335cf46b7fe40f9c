package client

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// LocalMedia holds the local outgoing tracks. Either may be nil.
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.Audio != nil {
		tracks = append(tracks, m.Audio)
	}
	if m.Video != nil {
		tracks = append(tracks, m.Video)
	}
	return tracks
}

// MediaProvider acquires the local camera and microphone tracks. It is
// supplied by the embedder; capture itself is outside this library.
type MediaProvider func() (*LocalMedia, error)

// acquireMedia degrades to a receive-only session when local media cannot be
// obtained: a denied camera never fails the whole call.
func acquireMedia(provider MediaProvider, logger *zerolog.Logger) *LocalMedia {
	if provider == nil {
		return nil
	}
	media, err := provider()
	if err != nil {
		logger.Warn().Err(err).Msg("local media unavailable, continuing receive-only")
		return nil
	}
	return media
}
