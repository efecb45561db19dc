package drive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config holds the object-store connection settings.
type Config struct {
	// CredentialsPath points at the OAuth credentials JSON (authorized-user
	// or service-account form).
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`

	// RootFolderID is the folder all hierarchy paths are rooted at.
	RootFolderID string `mapstructure:"root_folder_id" yaml:"root_folder_id"`
}

// Client implements Store over the Drive v3 API.
type Client struct {
	svc  *drivev3.Service
	http *http.Client
	root string
}

var _ Store = (*Client)(nil)

// New builds a Drive client from the configured credentials. The oauth2
// transport refreshes expired tokens transparently on every call, including
// the raw range downloads.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RootFolderID == "" {
		return nil, fmt.Errorf("object store root folder id is required")
	}

	data, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read object store credentials: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, drivev3.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("invalid object store credentials: %w", err)
	}

	httpClient := oauth2.NewClient(ctx, creds.TokenSource)
	svc, err := drivev3.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to build drive service: %w", err)
	}

	return &Client{svc: svc, http: httpClient, root: cfg.RootFolderID}, nil
}

// escapeQuery escapes a name for embedding in a Drive query string.
func escapeQuery(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return strings.ReplaceAll(name, `'`, `\'`)
}

// isNotFound reports whether err is a Drive 404.
func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func (c *Client) GetMetadata(ctx context.Context, fileID string) (Metadata, error) {
	f, err := c.svc.Files.Get(fileID).Fields("size,mimeType").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return Metadata{}, ErrNotFound
		}
		return Metadata{}, fmt.Errorf("metadata lookup for %s: %w", fileID, err)
	}
	return Metadata{Size: f.Size, Mime: f.MimeType}, nil
}

func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	f, err := c.svc.Files.Get(id).Fields("id,trashed").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("existence check for %s: %w", id, err)
	}
	return !f.Trashed, nil
}

func (c *Client) Rename(ctx context.Context, id, newName string) error {
	_, err := c.svc.Files.Update(id, &drivev3.File{Name: newName}).
		Fields("id,name").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("rename %s: %w", id, err)
	}
	return nil
}

func (c *Client) Move(ctx context.Context, fileID, newParentID string) error {
	f, err := c.svc.Files.Get(fileID).Fields("parents").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("move %s: %w", fileID, err)
	}

	_, err = c.svc.Files.Update(fileID, nil).
		AddParents(newParentID).
		RemoveParents(strings.Join(f.Parents, ",")).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("move %s: %w", fileID, err)
	}
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, id string) error {
	err := c.svc.Files.Delete(id).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete file %s: %w", id, err)
	}
	return nil
}

// DeleteFolder removes a folder. Drive deletes the subtree with it.
func (c *Client) DeleteFolder(ctx context.Context, id string) error {
	return c.DeleteFile(ctx, id)
}
