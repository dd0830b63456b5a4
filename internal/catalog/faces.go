package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const faceColumns = "id, image_id, bbox_x, bbox_y, bbox_w, bbox_h, bbox_rel_x, bbox_rel_y, bbox_rel_w, bbox_rel_h, face_crop_blob, det_score, cluster_id, person_id, predicted_person_id, prediction_confidence, provenance, created_at"

func scanFace(scanner interface{ Scan(dest ...any) error }) (*Face, error) {
	var (
		id         int64
		imageID    int64
		bx, by     sql.NullInt64
		bw, bh     sql.NullInt64
		rx, ry     sql.NullFloat64
		rw, rh     sql.NullFloat64
		crop       []byte
		detScore   sql.NullFloat64
		clusterID  sql.NullInt64
		personID   sql.NullInt64
		predicted  sql.NullInt64
		confidence sql.NullFloat64
		provenance sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&imageID,
		&bx, &by, &bw, &bh,
		&rx, &ry, &rw, &rh,
		&crop,
		&detScore,
		&clusterID,
		&personID,
		&predicted,
		&confidence,
		&provenance,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	face := &Face{
		ID:                   id,
		ImageID:              imageID,
		BBoxX:                int(bx.Int64),
		BBoxY:                int(by.Int64),
		BBoxW:                int(bw.Int64),
		BBoxH:                int(bh.Int64),
		RelX:                 rx.Float64,
		RelY:                 ry.Float64,
		RelW:                 rw.Float64,
		RelH:                 rh.Float64,
		Crop:                 crop,
		DetScore:             detScore.Float64,
		ClusterID:            int64Ptr(clusterID),
		PersonID:             int64Ptr(personID),
		PredictedPersonID:    int64Ptr(predicted),
		PredictionConfidence: float64Ptr(confidence),
		Provenance:           provenance.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		face.CreatedAt = created
	}
	return face, nil
}

// FaceByID fetches a face by identifier. A missing row yields (nil, nil).
func (s *Store) FaceByID(ctx context.Context, id int64) (*Face, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+faceColumns+` FROM face WHERE id = ?`, id)
	face, err := scanFace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	return face, nil
}

// FacesByImage returns the faces detected within one image.
func (s *Store) FacesByImage(ctx context.Context, imageID int64) ([]*Face, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+faceColumns+` FROM face WHERE image_id = ? ORDER BY id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("faces by image: %w", err)
	}
	defer rows.Close()

	var faces []*Face
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, err
		}
		faces = append(faces, face)
	}
	return faces, rows.Err()
}

// FaceCrop pairs a face identifier with its stored crop bytes.
type FaceCrop struct {
	FaceID  int64
	ImageID int64
	Crop    []byte
}

// FaceCropsForClustering returns every face that has a stored crop, ordered
// by id so vector construction is deterministic.
func (s *Store) FaceCropsForClustering(ctx context.Context) ([]FaceCrop, error) {
	return s.faceCrops(ctx, `SELECT id, image_id, face_crop_blob FROM face WHERE face_crop_blob IS NOT NULL ORDER BY id`)
}

// FaceCropsWithoutPerson returns faces lacking a confirmed identity, ordered
// by id. These are the batch-predict candidates.
func (s *Store) FaceCropsWithoutPerson(ctx context.Context) ([]FaceCrop, error) {
	return s.faceCrops(ctx, `SELECT id, image_id, face_crop_blob FROM face WHERE face_crop_blob IS NOT NULL AND person_id IS NULL ORDER BY id`)
}

func (s *Store) faceCrops(ctx context.Context, query string) ([]FaceCrop, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("face crops: %w", err)
	}
	defer rows.Close()

	var crops []FaceCrop
	for rows.Next() {
		var crop FaceCrop
		if err := rows.Scan(&crop.FaceID, &crop.ImageID, &crop.Crop); err != nil {
			return nil, err
		}
		crops = append(crops, crop)
	}
	return crops, rows.Err()
}

// AssignClusters writes the final cluster label for every listed face in one
// transaction. A cancelled context before commit leaves no partial
// assignment behind.
func (s *Store) AssignClusters(ctx context.Context, assignments map[int64]int64) error {
	if len(assignments) == 0 {
		return nil
	}
	ctx = ensureContext(ctx)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin cluster tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE face SET cluster_id = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare cluster update: %w", err)
	}
	defer stmt.Close()

	for faceID, label := range assignments {
		if _, err := stmt.ExecContext(ctx, label, faceID); err != nil {
			return fmt.Errorf("assign cluster for face %d: %w", faceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster assignments: %w", err)
	}
	return nil
}

// AssignPerson binds a confirmed identity to a face. The cluster label is
// cleared in the same statement: assignment supersedes clustering.
func (s *Store) AssignPerson(ctx context.Context, faceID, personID int64, provenance string) error {
	if provenance == "" {
		provenance = ProvenanceManual
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE face SET person_id = ?, provenance = ?, cluster_id = NULL WHERE id = ?`,
		personID,
		provenance,
		faceID,
	)
	if err != nil {
		return fmt.Errorf("assign person: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("assign person: face %d not found", faceID)
	}
	return nil
}

// Prediction carries one predicted identity produced by the batch-predict job.
type Prediction struct {
	FaceID     int64
	PersonID   int64
	Confidence float64
}

// ApplyPredictions persists a batch of predictions in one transaction, each
// stamped with provenance "predicted". Faces that gained a confirmed identity
// since the batch was read are skipped, never overwritten.
func (s *Store) ApplyPredictions(ctx context.Context, predictions []Prediction) (int64, error) {
	if len(predictions) == 0 {
		return 0, nil
	}
	ctx = ensureContext(ctx)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin predict tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(
		ctx,
		`UPDATE face SET predicted_person_id = ?, prediction_confidence = ?, provenance = ?
         WHERE id = ? AND person_id IS NULL`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare prediction update: %w", err)
	}
	defer stmt.Close()

	var applied int64
	for _, p := range predictions {
		res, err := stmt.ExecContext(ctx, p.PersonID, p.Confidence, ProvenancePredicted, p.FaceID)
		if err != nil {
			return 0, fmt.Errorf("apply prediction for face %d: %w", p.FaceID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		applied += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit predictions: %w", err)
	}
	return applied, nil
}

// CountFaces returns the number of stored faces.
func (s *Store) CountFaces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM face`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count faces: %w", err)
	}
	return count, nil
}

// ClusterSizes returns the member count per assigned cluster label.
func (s *Store) ClusterSizes(ctx context.Context) (map[int64]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cluster_id, COUNT(1) FROM face WHERE cluster_id IS NOT NULL GROUP BY cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("cluster sizes: %w", err)
	}
	defer rows.Close()

	sizes := make(map[int64]int)
	for rows.Next() {
		var (
			label int64
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return nil, err
		}
		sizes[label] = count
	}
	return sizes, rows.Err()
}

// RecomputeHasFaces rewrites every image's has_faces flag from the live face
// rows and reports how many images changed. Used by the repair job.
func (s *Store) RecomputeHasFaces(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE image SET has_faces = EXISTS (SELECT 1 FROM face WHERE face.image_id = image.id)
         WHERE has_faces != EXISTS (SELECT 1 FROM face WHERE face.image_id = image.id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("recompute has_faces: %w", err)
	}
	return res.RowsAffected()
}
