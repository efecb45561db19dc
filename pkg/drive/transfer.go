package drive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

// UploadResumable uploads localPath into parentFolderID under the given name
// using the Drive resumable protocol in UploadChunkSize chunks. progress is
// invoked with a 0.0..1.0 fraction after each chunk; the final call is
// guaranteed to be 1.0.
func (c *Client) UploadResumable(ctx context.Context, localPath, name, parentFolderID, mime string, progress func(float64)) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()

	call := c.svc.Files.Create(&drivev3.File{
		Name:    name,
		Parents: []string{parentFolderID},
	}).
		Media(f, googleapi.ContentType(mime), googleapi.ChunkSize(UploadChunkSize)).
		Fields("id").
		Context(ctx)

	if progress != nil && size > 0 {
		call = call.ProgressUpdater(func(current, total int64) {
			if total <= 0 {
				total = size
			}
			frac := float64(current) / float64(total)
			if frac > 1.0 {
				frac = 1.0
			}
			progress(frac)
		})
	}

	created, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", name, err)
	}
	if progress != nil {
		progress(1.0)
	}
	return created.Id, nil
}

// DownloadRange opens a streaming byte-range read of a file. The request goes
// through the oauth2 transport, which refreshes an expired token before the
// stream opens. end < 0 streams to EOF.
func (c *Client) DownloadRange(ctx context.Context, fileID string, start, end int64) (io.ReadCloser, error) {
	call := c.svc.Files.Get(fileID).Context(ctx)
	switch {
	case end >= 0:
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	case start > 0:
		call.Header().Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := call.Download()
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("range download %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("range download %s: unexpected status %s", fileID, resp.Status)
	}
	return resp.Body, nil
}
