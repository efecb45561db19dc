// Package chat pulls media attachments out of remote chat channels and feeds
// them into the pipeline: videos branch into the transcode engine, everything
// else uploads directly to the object store.
//
// Session establishment against the chat provider is not handled here; the
// Client interface is the collaborator surface an already-authenticated
// provider binding implements.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// MediaType tags a channel attachment by its broad content class.
type MediaType string

const (
	TypeVideo   MediaType = "video"
	TypePDF     MediaType = "pdf"
	TypeArchive MediaType = "archive"
	TypeImage   MediaType = "image"
	TypeOther   MediaType = "other"
)

// TypeForMime maps a MIME type to its MediaType tag.
func TypeForMime(mime string) MediaType {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case mime == "application/pdf":
		return TypePDF
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case mime == "application/zip",
		mime == "application/x-rar-compressed",
		mime == "application/x-7z-compressed",
		mime == "application/gzip":
		return TypeArchive
	default:
		return TypeOther
	}
}

// MediaItem describes one downloadable attachment in a channel.
type MediaItem struct {
	MessageID int64
	Name      string
	Mime      string
	Size      int64
	Date      time.Time
	Type      MediaType
}

// ErrNotConfigured is returned by Disabled when no chat provider is wired.
var ErrNotConfigured = errors.New("chat provider not configured")

// Client is the authenticated chat provider surface.
type Client interface {
	// Resolve turns a caller-supplied channel identifier into the provider's
	// canonical handle.
	Resolve(ctx context.Context, channelID string) (string, error)

	// ListMedia scans the channel for media attachments, oldest first.
	ListMedia(ctx context.Context, channel string) ([]MediaItem, error)

	// Download streams one message's payload into w. progress, when non-nil,
	// receives cumulative and total byte counts as chunks arrive; total is 0
	// when the provider does not know it.
	Download(ctx context.Context, channel string, messageID int64, w io.Writer, progress func(current, total int64)) error
}

// Disabled is the Client used when no provider is configured. Every call
// fails with ErrNotConfigured.
type Disabled struct{}

func (Disabled) Resolve(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Disabled) ListMedia(context.Context, string) ([]MediaItem, error) {
	return nil, ErrNotConfigured
}

func (Disabled) Download(context.Context, string, int64, io.Writer, func(int64, int64)) error {
	return ErrNotConfigured
}
