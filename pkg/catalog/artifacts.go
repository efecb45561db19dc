package catalog

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// MaxPageSize caps list pagination.
const MaxPageSize = 100

// Filter selects artifacts for listing.
type Filter struct {
	Owner string
	// Path matches hierarchy_path exactly; PathPrefix matches the path itself
	// or any path below it. At most one of the two is set.
	Path       string
	PathPrefix string
	Kind       Kind
	Page       int // 1-based
	PageSize   int
}

func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) (uint, error) {
	if a.Status == "" {
		a.Status = StatusPending
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return 0, err
	}
	return a.ID, nil
}

func (s *Store) GetArtifact(ctx context.Context, id uint) (*Artifact, error) {
	var a Artifact
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, notFound(err, ErrArtifactNotFound)
	}
	return &a, nil
}

// GetArtifactForOwner fetches an artifact and enforces the owner match.
func (s *Store) GetArtifactForOwner(ctx context.Context, id uint, owner string) (*Artifact, error) {
	a, err := s.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Owner != owner {
		return nil, ErrNotOwner
	}
	return a, nil
}

func (s *Store) GetArtifactByRemoteFileID(ctx context.Context, fileID string) (*Artifact, error) {
	var a Artifact
	err := s.db.WithContext(ctx).Where("remote_file_id = ?", fileID).First(&a).Error
	if err != nil {
		return nil, notFound(err, ErrArtifactNotFound)
	}
	return &a, nil
}

// ListArtifacts returns one page of matching artifacts plus the total count.
func (s *Store) ListArtifacts(ctx context.Context, f Filter) ([]*Artifact, int64, error) {
	if f.PageSize <= 0 || f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	q := s.db.WithContext(ctx).Model(&Artifact{})
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.Path != "" {
		q = q.Where("hierarchy_path = ?", f.Path)
	} else if f.PathPrefix != "" {
		q = q.Where("hierarchy_path = ? OR hierarchy_path LIKE ?", f.PathPrefix, f.PathPrefix+"/%")
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []*Artifact
	err := q.Order("created_at DESC, id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// ListByPath returns all artifacts of one kind at an exact hierarchy path.
// Used by reconciliation, which diffs a single scope folder at a time.
func (s *Store) ListByPath(ctx context.Context, owner, path string, kind Kind) ([]*Artifact, error) {
	var rows []*Artifact
	err := s.db.WithContext(ctx).
		Where("owner = ? AND hierarchy_path = ? AND kind = ?", owner, path, kind).
		Find(&rows).Error
	return rows, err
}

// DistinctPaths lists every hierarchy path an owner has artifacts under.
func (s *Store) DistinctPaths(ctx context.Context, owner string) ([]string, error) {
	var paths []string
	err := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("owner = ? AND hierarchy_path <> ''", owner).
		Distinct("hierarchy_path").
		Order("hierarchy_path").
		Pluck("hierarchy_path", &paths).Error
	return paths, err
}

// UpdateArtifactFields applies a partial update to one artifact.
func (s *Store) UpdateArtifactFields(ctx context.Context, id uint, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Artifact{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrArtifactNotFound
	}
	return nil
}

// SetProgress raises the persisted progress of an active artifact. Updates
// that would lower progress, exceed 100, or touch a terminal row are dropped
// silently: progress is monotonic within an attempt and frozen afterwards.
func (s *Store) SetProgress(ctx context.Context, id uint, progress int) error {
	if progress > 100 {
		progress = 100
	}
	if progress < 0 {
		progress = 0
	}
	return s.db.WithContext(ctx).Model(&Artifact{}).
		Where("id = ? AND progress < ? AND status IN ?", id, progress,
			[]Status{StatusPending, StatusProcessing}).
		Update("progress", progress).Error
}

// transitionSources maps a target status to the states it may be entered from.
var transitionSources = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCanceled:   {StatusPending, StatusProcessing},
}

// Transition atomically moves an artifact to the target status, applying any
// extra fields in the same write. The transition is guarded: a row already in
// a terminal state is left untouched and ErrInvalidTransition is returned.
func (s *Store) Transition(ctx context.Context, id uint, to Status, fields map[string]any) error {
	from, ok := transitionSources[to]
	if !ok {
		return fmt.Errorf("%w: cannot enter %s", ErrInvalidTransition, to)
	}

	updates := map[string]any{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var a Artifact
		if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
			return notFound(err, ErrArtifactNotFound)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	return nil
}

// DeleteArtifact removes the artifact row and its annotations.
func (s *Store) DeleteArtifact(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a Artifact
		if err := tx.First(&a, id).Error; err != nil {
			return notFound(err, ErrArtifactNotFound)
		}
		if err := tx.Where("artifact_id = ?", a.ID).Delete(&PDFAnnotation{}).Error; err != nil {
			return err
		}
		return tx.Delete(&a).Error
	})
}

// SweepProcessing fails every artifact stuck in PROCESSING. Called once at
// engine startup so a crash never strands rows outside the state machine.
func (s *Store) SweepProcessing(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Artifact{}).
		Where("status = ?", StatusProcessing).
		Updates(map[string]any{
			"status":   StatusFailed,
			"progress": 0,
			"error":    "interrupted by restart",
		})
	return res.RowsAffected, res.Error
}

// GetChatCredential returns the stored chat session blob for an owner.
func (s *Store) GetChatCredential(ctx context.Context, owner string) (*ChatCredential, error) {
	var c ChatCredential
	err := s.db.WithContext(ctx).Where("owner = ?", owner).First(&c).Error
	if err != nil {
		return nil, notFound(err, ErrCredentialNotFound)
	}
	return &c, nil
}

// PutChatCredential creates or replaces the chat session blob for an owner.
func (s *Store) PutChatCredential(ctx context.Context, owner, blob string) error {
	var existing ChatCredential
	err := s.db.WithContext(ctx).Where("owner = ?", owner).First(&existing).Error
	if err == nil {
		return s.db.WithContext(ctx).Model(&existing).Update("blob", blob).Error
	}
	if notFound(err, ErrCredentialNotFound) != ErrCredentialNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(&ChatCredential{Owner: owner, Blob: blob}).Error
}
