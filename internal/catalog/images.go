package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const imageColumns = "id, import_id, relative_path, sub_folder, filename, content_hash, perceptual_hash, width, height, orientation_applied, has_faces, thumbnail_blob, size_bytes, created_at"

func scanImage(scanner interface{ Scan(dest ...any) error }) (*Image, error) {
	var (
		id             int64
		importID       int64
		relativePath   string
		subFolder      sql.NullString
		filename       sql.NullString
		contentHash    []byte
		perceptualHash int64
		width          sql.NullInt64
		height         sql.NullInt64
		orientation    sql.NullInt64
		hasFaces       sql.NullInt64
		thumbnail      []byte
		sizeBytes      sql.NullInt64
		createdRaw     sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&importID,
		&relativePath,
		&subFolder,
		&filename,
		&contentHash,
		&perceptualHash,
		&width,
		&height,
		&orientation,
		&hasFaces,
		&thumbnail,
		&sizeBytes,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	image := &Image{
		ID:                 id,
		ImportID:           importID,
		RelativePath:       relativePath,
		SubFolder:          subFolder.String,
		Filename:           filename.String,
		ContentHash:        contentHash,
		PerceptualHash:     perceptualHash,
		Width:              int(width.Int64),
		Height:             int(height.Int64),
		OrientationApplied: orientation.Int64 != 0,
		HasFaces:           hasFaces.Int64 != 0,
		Thumbnail:          thumbnail,
		SizeBytes:          sizeBytes.Int64,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		image.CreatedAt = created
	}
	return image, nil
}

// CommitImage persists an image, its detected faces, and its metadata entries
// in one transaction, incrementing the owning session's image counter. On
// success the image and face IDs are filled in. Nothing is visible to readers
// until the whole commit lands.
func (s *Store) CommitImage(ctx context.Context, image *Image, faces []Face, meta []MetadataEntry) error {
	if image == nil {
		return errors.New("image is nil")
	}
	ctx = ensureContext(ctx)
	image.CreatedAt = time.Now().UTC()
	timestamp := image.CreatedAt.Format(time.RFC3339Nano)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO image (
            import_id, relative_path, sub_folder, filename,
            content_hash, perceptual_hash, width, height,
            orientation_applied, has_faces, thumbnail_blob, size_bytes, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		image.ImportID,
		image.RelativePath,
		image.SubFolder,
		image.Filename,
		image.ContentHash,
		image.PerceptualHash,
		image.Width,
		image.Height,
		boolToInt(image.OrientationApplied),
		boolToInt(len(faces) > 0),
		image.Thumbnail,
		image.SizeBytes,
		timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	imageID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("image insert id: %w", err)
	}
	image.ID = imageID
	image.HasFaces = len(faces) > 0

	for i := range faces {
		face := &faces[i]
		face.ImageID = imageID
		face.CreatedAt = image.CreatedAt
		faceRes, err := tx.ExecContext(
			ctx,
			`INSERT INTO face (
                image_id, bbox_x, bbox_y, bbox_w, bbox_h,
                bbox_rel_x, bbox_rel_y, bbox_rel_w, bbox_rel_h,
                face_crop_blob, det_score, cluster_id, person_id,
                predicted_person_id, prediction_confidence, provenance, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			imageID,
			face.BBoxX,
			face.BBoxY,
			face.BBoxW,
			face.BBoxH,
			face.RelX,
			face.RelY,
			face.RelW,
			face.RelH,
			face.Crop,
			face.DetScore,
			nullableInt64(face.ClusterID),
			nullableInt64(face.PersonID),
			nullableInt64(face.PredictedPersonID),
			nullableFloat64(face.PredictionConfidence),
			nullableString(face.Provenance),
			timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert face: %w", err)
		}
		if face.ID, err = faceRes.LastInsertId(); err != nil {
			return fmt.Errorf("face insert id: %w", err)
		}
	}

	for _, entry := range meta {
		metaType := entry.Type
		if metaType == "" {
			metaType = "exif"
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO metadata (image_id, key, type, value) VALUES (?, ?, ?, ?)`,
			imageID,
			entry.Key,
			metaType,
			entry.Value,
		); err != nil {
			return fmt.Errorf("insert metadata %q: %w", entry.Key, err)
		}
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE import_session SET image_count = image_count + 1 WHERE id = ?`,
		image.ImportID,
	); err != nil {
		return fmt.Errorf("bump session count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit image: %w", err)
	}
	return nil
}

// ImageByID fetches an image by identifier. A missing row yields (nil, nil).
func (s *Store) ImageByID(ctx context.Context, id int64) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM image WHERE id = ?`, id)
	image, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return image, nil
}

// ImageByDigest returns the image whose content hash matches, or (nil, nil).
func (s *Store) ImageByDigest(ctx context.Context, contentHash []byte) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM image WHERE content_hash = ?`, contentHash)
	image, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image by digest: %w", err)
	}
	return image, nil
}

// ImageByPath returns the image recorded at the given relative path, or (nil, nil).
func (s *Store) ImageByPath(ctx context.Context, relativePath string) (*Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM image WHERE relative_path = ?`, relativePath)
	image, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image by path: %w", err)
	}
	return image, nil
}

// UpdateImagePath moves an image record to a new relative path. Used for
// renames spotted during ingest and for relink matches; the identity columns
// are untouched.
func (s *Store) UpdateImagePath(ctx context.Context, id int64, relativePath, subFolder, filename string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE image SET relative_path = ?, sub_folder = ?, filename = ? WHERE id = ?`,
		relativePath,
		subFolder,
		filename,
		id,
	); err != nil {
		return fmt.Errorf("update image path: %w", err)
	}
	return nil
}

// ListImages returns all images ordered by relative path.
func (s *Store) ListImages(ctx context.Context) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM image ORDER BY relative_path`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// CountImages returns the number of catalogued images.
func (s *Store) CountImages(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM image`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// IdentityEntries returns the slim projection of every image needed to build
// the in-memory identity index, ordered by id for deterministic construction.
func (s *Store) IdentityEntries(ctx context.Context) ([]IdentityEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, relative_path, content_hash, perceptual_hash, width, height, size_bytes FROM image ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list identity entries: %w", err)
	}
	defer rows.Close()

	var entries []IdentityEntry
	for rows.Next() {
		var (
			entry  IdentityEntry
			width  sql.NullInt64
			height sql.NullInt64
			size   sql.NullInt64
		)
		if err := rows.Scan(&entry.ID, &entry.RelativePath, &entry.ContentHash, &entry.PerceptualHash, &width, &height, &size); err != nil {
			return nil, err
		}
		entry.Width = int(width.Int64)
		entry.Height = int(height.Int64)
		entry.SizeBytes = size.Int64
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MetadataForImage returns the stored metadata entries for one image.
func (s *Store) MetadataForImage(ctx context.Context, imageID int64) ([]MetadataEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key, type, value FROM metadata WHERE image_id = ? ORDER BY key`,
		imageID,
	)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	defer rows.Close()

	var entries []MetadataEntry
	for rows.Next() {
		var entry MetadataEntry
		if err := rows.Scan(&entry.Key, &entry.Type, &entry.Value); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
