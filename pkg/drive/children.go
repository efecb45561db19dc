package drive

import (
	"context"
	"fmt"
	"strings"
	"time"

	drivev3 "google.golang.org/api/drive/v3"
)

const childFields = "files(id, name, size, mimeType, createdTime, videoMediaMetadata)"

func (f ChildFilter) mimeQuery() string {
	switch f {
	case FilterVideo:
		return " and mimeType contains 'video/'"
	case FilterPDF:
		return " and mimeType='application/pdf'"
	default:
		return ""
	}
}

// matches reports whether a MIME type passes the filter.
func (f ChildFilter) matches(mime string) bool {
	switch f {
	case FilterVideo:
		return strings.HasPrefix(mime, "video/")
	case FilterPDF:
		return mime == "application/pdf"
	default:
		return true
	}
}

func parseDriveTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func durationSeconds(f *drivev3.File) float64 {
	if f.VideoMediaMetadata == nil {
		return 0
	}
	return float64(f.VideoMediaMetadata.DurationMillis) / 1000.0
}

// ListChildren returns the folder's direct children matching the filter.
//
// Two layouts are surfaced: bare files sitting in the folder, and wrapping
// subfolders that hold a single primary plus companion assets. Wrapped
// children are flattened to the primary with the folder and asset ids
// attached, and inherit the subfolder's creation time so ordering reflects
// when the artifact arrived.
func (c *Client) ListChildren(ctx context.Context, folderID string, filter ChildFilter) ([]Child, error) {
	var children []Child

	// Bare files directly in the folder.
	q := fmt.Sprintf("'%s' in parents and trashed=false and mimeType != '%s'%s",
		escapeQuery(folderID), FolderMimeType, filter.mimeQuery())
	res, err := c.svc.Files.List().Q(q).Spaces("drive").
		Fields(childFields).OrderBy("createdTime desc").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", folderID, err)
	}
	for _, f := range res.Files {
		children = append(children, Child{
			Shape:           ShapeBare,
			ID:              f.Id,
			Name:            f.Name,
			Size:            f.Size,
			Mime:            f.MimeType,
			CreatedAt:       parseDriveTime(f.CreatedTime),
			DurationSeconds: durationSeconds(f),
		})
	}

	// Wrapping subfolders.
	subQ := fmt.Sprintf("'%s' in parents and mimeType='%s' and trashed=false",
		escapeQuery(folderID), FolderMimeType)
	subRes, err := c.svc.Files.List().Q(subQ).Spaces("drive").
		Fields("files(id, name, createdTime)").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("list subfolders of %s: %w", folderID, err)
	}

	for _, sub := range subRes.Files {
		child, ok, err := c.flattenSubfolder(ctx, sub, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			children = append(children, child)
		}
	}

	return children, nil
}

// flattenSubfolder inspects one subfolder for the wrapped-single-file layout.
func (c *Client) flattenSubfolder(ctx context.Context, sub *drivev3.File, filter ChildFilter) (Child, bool, error) {
	q := fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(sub.Id))
	res, err := c.svc.Files.List().Q(q).Spaces("drive").
		Fields(childFields).Context(ctx).Do()
	if err != nil {
		return Child{}, false, fmt.Errorf("list subfolder %s: %w", sub.Id, err)
	}

	var primary *drivev3.File
	var thumbnailID, previewID string
	for _, f := range res.Files {
		switch {
		case f.Name == ThumbnailName:
			thumbnailID = f.Id
		case f.Name == PreviewName:
			previewID = f.Id
		case f.MimeType != FolderMimeType && filter.matches(f.MimeType):
			primary = f
		}
	}
	if primary == nil {
		return Child{}, false, nil
	}

	return Child{
		Shape:             ShapeWrapped,
		ID:                primary.Id,
		Name:              primary.Name,
		Size:              primary.Size,
		Mime:              primary.MimeType,
		CreatedAt:         parseDriveTime(sub.CreatedTime),
		DurationSeconds:   durationSeconds(primary),
		ContainerFolderID: sub.Id,
		ThumbnailID:       thumbnailID,
		PreviewID:         previewID,
	}, true, nil
}
