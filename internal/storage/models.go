// internal/storage/models.go
package storage

// File is one stored file as recorded by a node's catalog. LocalPath is
// unique; re-uploading the same destination replaces the row.
type File struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	VirtualPath string `json:"virtual_path"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"` // hex SHA3-256 of the content
	Category    string `json:"category"`
	StoredAt    int64  `json:"stored_at"`
}

// Stats summarizes a catalog.
type Stats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}
