package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveStore uploads objects into a Google Drive folder.
type DriveStore struct {
	svc      *drive.Service
	folderID string
}

// NewDrive creates a Drive store. The options must carry credentials with
// the drive.file scope and access to folderID.
func NewDrive(ctx context.Context, folderID string, opts ...option.ClientOption) (*DriveStore, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &DriveStore{svc: svc, folderID: folderID}, nil
}

// Put implements Store. It returns the file's web view link.
func (d *DriveStore) Put(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	f := &drive.File{
		Name:     SafeName(name),
		MimeType: contentType,
	}
	if d.folderID != "" {
		f.Parents = []string{d.folderID}
	}
	created, err := d.svc.Files.Create(f).
		Media(r).
		SupportsAllDrives(true).
		Fields("id, webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("drive upload %s: %w", name, err)
	}
	slog.Debug("uploaded recording", "name", f.Name, "id", created.Id)
	if created.WebViewLink != "" {
		return created.WebViewLink, nil
	}
	return "https://drive.google.com/file/d/" + created.Id + "/view", nil
}

// Get implements Store. It looks the file up by name in the folder.
func (d *DriveStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(SafeName(name)))
	if d.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(d.folderID))
	}
	list, err := d.svc.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("drive lookup %s: %w", name, err)
	}
	if len(list.Files) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	resp, err := d.svc.Files.Get(list.Files[0].Id).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("drive download %s: %w", name, err)
	}
	return resp.Body, nil
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
