// Package catalog is the typed client for the SkyCast catalog service: it
// creates, lists, and deletes streams, lists viewers, and pushes location
// updates for live broadcasts.
package catalog

import "time"

// PageSize is the fixed number of items the catalog returns per page.
const PageSize = 30

// Coordinate is a WGS84 latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// Stream is the server-tracked identity of one broadcast session.
type Stream struct {
	ID              string      `json:"id"`
	AuthorID        string      `json:"author_id"`
	CreatedAt       time.Time   `json:"created_at"`
	Coordinate      *Coordinate `json:"coordinate,omitempty"`
	PreviewImageURL string      `json:"preview_image_url,omitempty"`
	PlaybackURL     string      `json:"playback_url"`
}

// StreamMetadata is the client-supplied portion of a stream at creation time.
type StreamMetadata struct {
	AuthorID   string      `json:"author_id"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
}

// Viewer is one watcher of a stream, returned via pagination only.
type Viewer struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joined_at"`
}

// Application holds the storage credentials granted when the app registers.
type Application struct {
	ID            string `json:"id"`
	StorageBucket string `json:"storage_bucket"`
	StorageRegion string `json:"storage_region"`
}

type streamPage struct {
	Items []Stream `json:"items"`
	Total int      `json:"total"`
}

type viewerPage struct {
	Items []Viewer `json:"items"`
	Total int      `json:"total"`
}
