package model

import "time"

// MediaStatus is the upload state of a media asset.
type MediaStatus string

const (
	MediaPending   MediaStatus = "pending"
	MediaUploading MediaStatus = "uploading"
	MediaStored    MediaStatus = "stored"
	MediaFailed    MediaStatus = "failed"
)

// MediaAsset is one image attached to an entity.
type MediaAsset struct {
	ID        string      `json:"id"`
	EntityID  string      `json:"entity_id"`
	SourceURL string      `json:"source_url"`
	StoredURL string      `json:"stored_url,omitempty"`
	Position  int         `json:"position"`
	IsPrimary bool        `json:"is_primary"`
	Status    MediaStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	Error     string      `json:"error,omitempty"`
	ClaimedAt *time.Time  `json:"claimed_at,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
