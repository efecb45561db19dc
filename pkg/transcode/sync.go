package transcode

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mediavault/mediavault/internal/logger"
	"github.com/mediavault/mediavault/pkg/drive"
	"github.com/mediavault/mediavault/pkg/metrics"
)

// SyncJob backfills derived assets and duration for an already-committed
// artifact that was imported from the store: it downloads the primary to a
// temp file, probes it, regenerates any missing thumbnail or preview, wraps a
// still-flat primary into its own folder, and updates the row. Failures are
// logged and never touch the artifact's status.
type SyncJob struct {
	ArtifactID uint
}

func (j SyncJob) run(ctx context.Context, e *Engine) {
	start := time.Now()
	metrics.JobStart(e.m, "sync_metadata")
	outcome := "completed"
	if err := e.runSync(ctx, j.ArtifactID); err != nil {
		logger.Warn("metadata backfill failed", "artifact_id", j.ArtifactID, "error", err)
		outcome = "failed"
	}
	metrics.JobResult(e.m, "sync_metadata", outcome, time.Since(start))
}

func (e *Engine) runSync(ctx context.Context, id uint) error {
	a, err := e.store.GetArtifact(ctx, id)
	if err != nil {
		return err
	}
	if a.RemoteFileID == "" {
		logger.Warn("artifact has no remote file, skipping backfill", "artifact_id", id)
		return nil
	}

	tmpPath := tempName(e.cfg.TempDir, "sync", id, ".mp4")
	thumbPath := tempName(e.cfg.TempDir, "thumb", id, ".jpg")
	previewPath := tempName(e.cfg.TempDir, "preview", id, ".mp4")
	defer func() {
		for _, p := range []string{tmpPath, thumbPath, previewPath} {
			_ = os.Remove(p)
		}
	}()

	if err := e.downloadToFile(ctx, a.RemoteFileID, tmpPath); err != nil {
		return err
	}

	duration, err := e.proc.Duration(ctx, tmpPath)
	if err != nil {
		logger.Warn("duration probe failed", "artifact_id", id, "error", err)
	}

	thumbOK := false
	if a.ThumbnailRef == "" {
		if err := e.proc.Thumbnail(ctx, tmpPath, thumbPath, duration); err != nil {
			logger.Warn("thumbnail generation failed", "artifact_id", id, "error", err)
		} else {
			thumbOK = true
		}
	}
	previewOK := false
	if a.PreviewRef == "" {
		if err := e.proc.Preview(ctx, tmpPath, previewPath, duration); err != nil {
			logger.Warn("preview generation failed", "artifact_id", id, "error", err)
		} else {
			previewOK = true
		}
	}

	// Imported bare files get wrapped into their own folder so the derived
	// assets have a home next to the primary.
	folderID := a.RemoteFolderID
	if folderID == "" {
		folderID, err = e.drive.EnsurePath(ctx, a.HierarchyPath+"/"+folderLeaf(a.Title))
		if err != nil {
			return err
		}
		if err := e.drive.Move(ctx, a.RemoteFileID, folderID); err != nil {
			logger.Warn("could not move primary into its folder", "artifact_id", id, "error", err)
		}
	}

	fields := map[string]any{"remote_folder_id": folderID}
	if duration > 0 {
		fields["duration_seconds"] = duration
	}
	if thumbOK {
		ref, err := e.drive.UploadResumable(ctx, thumbPath, drive.ThumbnailName, folderID, "image/jpeg", nil)
		if err != nil {
			return err
		}
		fields["thumbnail_ref"] = ref
	}
	if previewOK {
		ref, err := e.drive.UploadResumable(ctx, previewPath, drive.PreviewName, folderID, "video/mp4", nil)
		if err != nil {
			return err
		}
		fields["preview_ref"] = ref
	}

	if err := e.store.UpdateArtifactFields(ctx, id, fields); err != nil {
		return err
	}
	logger.Info("metadata backfilled", "artifact_id", id,
		"duration", duration, "thumbnail", thumbOK, "preview", previewOK)
	return nil
}

func (e *Engine) downloadToFile(ctx context.Context, fileID, path string) error {
	rc, err := e.drive.DownloadRange(ctx, fileID, 0, -1)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	metrics.Bytes(e.m, "download", n)
	return nil
}
