package ingest

// Payload selects what one ingest run scans and how it treats near matches.
type Payload struct {
	// Root overrides the configured library root. Empty uses the config.
	Root string `json:"root,omitempty"`
	// Folders are root-relative sub-folders to scan. Empty scans the whole
	// root.
	Folders []string `json:"folders,omitempty"`
	// Recursive descends into nested folders instead of stopping at the
	// first level.
	Recursive bool `json:"recursive"`
	// SessionID reuses an existing import session. Zero creates a new one.
	SessionID int64 `json:"session_id,omitempty"`
	// Threshold overrides the configured near-duplicate distance. Zero uses
	// the config.
	Threshold int `json:"threshold,omitempty"`
	// Predict runs inline identity prediction on freshly detected faces.
	Predict bool `json:"predict,omitempty"`
}

// Progress is the published snapshot of one ingest run. Counters only move
// after the item they describe has committed.
type Progress struct {
	SessionID   int64  `json:"session_id"`
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	New         int    `json:"new"`
	Duplicates  int    `json:"duplicates"`
	Renames     int    `json:"renames"`
	NearDups    int    `json:"near_duplicates"`
	Conflicts   int    `json:"conflicts"`
	Corrupt     int    `json:"corrupt"`
	Faces       int    `json:"faces"`
	Predicted   int    `json:"predicted"`
	Retried     int    `json:"retried,omitempty"`
	CurrentFile string `json:"current_file,omitempty"`
}
