package drive

import (
	"context"
	"fmt"
	"strings"

	drivev3 "google.golang.org/api/drive/v3"
)

// SplitPath breaks a /-joined hierarchy path into its segments, rejecting
// empty ones. The separator is reserved and cannot appear inside a segment.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("hierarchy path %q has an empty segment", path)
		}
	}
	return segments, nil
}

// findChildFolder looks up a folder named name directly under parentID.
// Returns ("", nil) when absent.
func (c *Client) findChildFolder(ctx context.Context, parentID, name string) (string, error) {
	q := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='%s' and trashed=false",
		escapeQuery(name), escapeQuery(parentID), FolderMimeType)
	res, err := c.svc.Files.List().Q(q).Spaces("drive").
		Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("folder lookup %q: %w", name, err)
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

// ResolvePath walks segments from the root without creating anything.
func (c *Client) ResolvePath(ctx context.Context, path string) (string, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return "", err
	}

	current := c.root
	for _, name := range segments {
		id, err := c.findChildFolder(ctx, current, name)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("%w: %q", ErrPathNotFound, path)
		}
		current = id
	}
	return current, nil
}

// EnsurePath walks segments from the root, creating any missing folder, and
// returns the leaf id.
func (c *Client) EnsurePath(ctx context.Context, path string) (string, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return "", err
	}

	current := c.root
	for _, name := range segments {
		id, err := c.findChildFolder(ctx, current, name)
		if err != nil {
			return "", err
		}
		if id == "" {
			folder, err := c.svc.Files.Create(&drivev3.File{
				Name:     name,
				MimeType: FolderMimeType,
				Parents:  []string{current},
			}).Fields("id").Context(ctx).Do()
			if err != nil {
				return "", fmt.Errorf("folder create %q: %w", name, err)
			}
			id = folder.Id
		}
		current = id
	}
	return current, nil
}
