package audionode

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors returned by search and playback operations.
var (
	ErrNoResults       = errors.New("no results found")
	ErrNotReady        = errors.New("audio node manager is not ready")
	ErrNotAPlaylist    = errors.New("result is not a playlist")
	ErrNodeUnavailable = errors.New("no audio node available")
	ErrDegraded        = errors.New("audio cluster is degraded, manual intervention required")
)

// ConnectionState represents the connection state of an audio node.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// SourcePlatform tags how a track was resolved.
type SourcePlatform int

const (
	SourceSearch SourcePlatform = iota
	SourceLink
	SourceCrossPlatform
)

func (s SourcePlatform) String() string {
	switch s {
	case SourceSearch:
		return "search"
	case SourceLink:
		return "link"
	case SourceCrossPlatform:
		return "cross-platform"
	default:
		return "unknown"
	}
}

// EndReason is the node-reported reason a track stopped playing.
type EndReason string

const (
	EndReasonFinished   EndReason = "finished"
	EndReasonLoadFailed EndReason = "loadFailed"
	EndReasonStopped    EndReason = "stopped"
	EndReasonReplaced   EndReason = "replaced"
	EndReasonCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the queue should advance for this end
// reason. Replaced and stopped ends were caused by an explicit command
// that already decided what plays next; advancing again for them would
// drop a track.
func (r EndReason) MayStartNext() bool {
	return r == EndReasonFinished || r == EndReasonLoadFailed
}

// Track is an immutable descriptor of a playable track. The Encoded field
// is the node-specific playback token; a track without one cannot be played.
type Track struct {
	Title       string
	Author      string
	URI         string
	Duration    time.Duration
	Thumbnail   string
	Encoded     string
	Source      SourcePlatform
	RequestedBy string
}

// Playable reports whether the track carries a playback token.
func (t *Track) Playable() bool {
	return t != nil && t.Encoded != ""
}

// Playlist is a named ordered collection of tracks returned by a
// playlist-typed search.
type Playlist struct {
	Name   string
	Tracks []*Track
}

// apiTrackInfo mirrors the node's track info shape on the wire.
type apiTrackInfo struct {
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	SourceName string `json:"sourceName"`
}

// apiTrack mirrors the node's track shape on the wire.
type apiTrack struct {
	Encoded string       `json:"encoded"`
	Info    apiTrackInfo `json:"info"`
}

func (t *apiTrack) toTrack(source SourcePlatform, requestedBy string) *Track {
	return &Track{
		Title:       t.Info.Title,
		Author:      t.Info.Author,
		URI:         t.Info.URI,
		Duration:    time.Duration(t.Info.Length) * time.Millisecond,
		Thumbnail:   t.Info.ArtworkURL,
		Encoded:     t.Encoded,
		Source:      source,
		RequestedBy: requestedBy,
	}
}

// LoadType discriminates the shapes a load-tracks response can take.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadError is the error shape embedded in an error-typed load response.
type LoadError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("node load failed (%s): %s", e.Severity, e.Message)
}

// LoadResult is the decoded load-tracks response. Exactly one of the
// variant fields is populated, according to Type. Decoding happens once
// at the boundary so downstream code switches on Type instead of probing
// optional fields.
type LoadResult struct {
	Type     LoadType
	Track    *apiTrack
	Playlist *apiPlaylist
	Search   []*apiTrack
	Err      *LoadError
}

type apiPlaylist struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
	Tracks []*apiTrack `json:"tracks"`
}

type rawLoadResponse struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// decodeLoadResult decodes a raw load-tracks body into the tagged union.
func decodeLoadResult(body []byte) (*LoadResult, error) {
	var raw rawLoadResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding load response: %w", err)
	}

	result := &LoadResult{Type: raw.LoadType}
	switch raw.LoadType {
	case LoadTypeTrack:
		result.Track = &apiTrack{}
		if err := json.Unmarshal(raw.Data, result.Track); err != nil {
			return nil, fmt.Errorf("decoding track data: %w", err)
		}
	case LoadTypePlaylist:
		result.Playlist = &apiPlaylist{}
		if err := json.Unmarshal(raw.Data, result.Playlist); err != nil {
			return nil, fmt.Errorf("decoding playlist data: %w", err)
		}
	case LoadTypeSearch:
		if err := json.Unmarshal(raw.Data, &result.Search); err != nil {
			return nil, fmt.Errorf("decoding search data: %w", err)
		}
	case LoadTypeEmpty:
		// No payload.
	case LoadTypeError:
		result.Err = &LoadError{}
		if err := json.Unmarshal(raw.Data, result.Err); err != nil {
			return nil, fmt.Errorf("decoding error data: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown load type %q", raw.LoadType)
	}
	return result, nil
}
