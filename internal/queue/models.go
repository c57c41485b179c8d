package queue

import "time"

// CollectionEntry is a catalog row. Rows are never physically removed.
type CollectionEntry struct {
	Idx          int64     `json:"idx"`
	Path         string    `json:"path"`
	Show         string    `json:"show"`
	ShowID       *int64    `json:"show_id,omitempty"`
	IsDeleted    bool      `json:"is_deleted"`
	LastModified time.Time `json:"last_modified"`
}

// Entry is a queued file joined with its catalog row.
type Entry struct {
	Idx           int64     `json:"idx"`
	CollectionIdx int64     `json:"collection_idx"`
	Path          string    `json:"path"`
	Show          string    `json:"show"`
	LastModified  time.Time `json:"last_modified"`
}

// Stats summarizes table sizes for health reporting.
type Stats struct {
	Queued     int `json:"queued"`
	Collection int `json:"collection"`
	Deleted    int `json:"deleted"`
}
