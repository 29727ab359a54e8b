package models

import "time"

// SyncMetadata is the server's authoritative version of one collection.
type SyncMetadata struct {
	Collection  string    `json:"collection"`
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
	ItemCount   int       `json:"itemCount"`
}

func (m SyncMetadata) GetId() string { return m.Collection }

// SyncWatermark is what a terminal last applied for one collection.
// A nil LastSyncTimestamp means never synced.
type SyncWatermark struct {
	Collection        string     `json:"collection"`
	Version           int64      `json:"version"`
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"`
}

func (w SyncWatermark) GetId() string { return w.Collection }

// Advance returns the watermark moved forward to (version, at). It never moves backwards.
func (w SyncWatermark) Advance(version int64, at time.Time) SyncWatermark {
	if version > w.Version {
		w.Version = version
	}
	if !at.IsZero() && (w.LastSyncTimestamp == nil || at.After(*w.LastSyncTimestamp)) {
		t := at.UTC()
		w.LastSyncTimestamp = &t
	}
	return w
}
