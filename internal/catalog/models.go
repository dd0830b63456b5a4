package catalog

import "time"

// Provenance values recorded against a face once an identity is bound.
const (
	ProvenanceManual    = "manual"
	ProvenancePredicted = "predicted"
)

// ImportSession groups the images catalogued by one ingest run.
type ImportSession struct {
	ID          int64
	StartedAt   time.Time
	FinishedAt  *time.Time
	FolderCount int
	ImageCount  int
}

// Image is one catalogued photo. ContentHash is the SHA-256 of the
// orientation-normalized bytes; PerceptualHash holds the 64-bit pHash in a
// signed integer so it round-trips through SQLite's INTEGER affinity.
type Image struct {
	ID                 int64
	ImportID           int64
	RelativePath       string
	SubFolder          string
	Filename           string
	ContentHash        []byte
	PerceptualHash     int64
	Width              int
	Height             int
	OrientationApplied bool
	HasFaces           bool
	Thumbnail          []byte
	SizeBytes          int64
	CreatedAt          time.Time
}

// MetadataEntry is one capture-metadata key/value pair for an image.
type MetadataEntry struct {
	Key   string
	Type  string
	Value string
}

// Face is one detected face region within an image. The absolute bbox is in
// pixels; the relative bbox is fractions of the image dimensions so it
// survives resizes. ClusterID, PersonID, and PredictedPersonID are nil until
// assigned.
type Face struct {
	ID                   int64
	ImageID              int64
	BBoxX                int
	BBoxY                int
	BBoxW                int
	BBoxH                int
	RelX                 float64
	RelY                 float64
	RelW                 float64
	RelH                 float64
	Crop                 []byte
	DetScore             float64
	ClusterID            *int64
	PersonID             *int64
	PredictedPersonID    *int64
	PredictionConfidence *float64
	Provenance           string
	CreatedAt            time.Time
}

// Person is one row in the identity registry.
type Person struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// AuditEntry is one immutable row in the audit log. Details carries a JSON
// document naming the paths and digests involved in the decision.
type AuditEntry struct {
	ID         int64
	CreatedAt  time.Time
	Action     string
	EntityType string
	EntityID   *int64
	Details    string
	Actor      string
}

// IdentityEntry is the slim projection of an image used to build the
// in-memory identity index.
type IdentityEntry struct {
	ID             int64
	RelativePath   string
	ContentHash    []byte
	PerceptualHash int64
	Width          int
	Height         int
	SizeBytes      int64
}
