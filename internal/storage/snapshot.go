package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"videoflix/internal/models"
)

// Snapshot is the portable form of a JSON datastore, used to move a
// development catalogue into Postgres.
type Snapshot struct {
	NextID int64          `json:"next_id"`
	Assets []models.Asset `json:"assets"`
}

// SnapshotCounts summarises what an import will write.
type SnapshotCounts struct {
	Assets     int
	Renditions int
	Thumbnails int
}

// LoadSnapshotFromJSON reads a datastore file written by the JSON repository.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if err == io.EOF {
			return snapshotFromDataset(newDataset()), nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return snapshotFromDataset(normalizeDataset(data)), nil
}

func snapshotFromDataset(data dataset) *Snapshot {
	snapshot := &Snapshot{NextID: data.NextID, Assets: make([]models.Asset, 0, len(data.Assets))}
	for _, asset := range data.Assets {
		snapshot.Assets = append(snapshot.Assets, asset)
	}
	sort.Slice(snapshot.Assets, func(i, j int) bool { return snapshot.Assets[i].ID < snapshot.Assets[j].ID })
	return snapshot
}

// Counts reports how many records and derived references the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	var counts SnapshotCounts
	if s == nil {
		return counts
	}
	counts.Assets = len(s.Assets)
	for _, asset := range s.Assets {
		for _, res := range models.Tiers {
			if asset.Rendition(res) != "" {
				counts.Renditions++
			}
		}
		if asset.Thumbnail != "" {
			counts.Thumbnails++
		}
	}
	return counts
}
