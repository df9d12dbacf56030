package photos

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// ErrNotFound is returned when a photo reference cannot be resolved to a file
var ErrNotFound = errors.New("photo not found")

// Photo is a resolved photo reference
type Photo struct {
	Ref      string
	MIMEType string
	Data     []byte
}

// DirResolver resolves photo references against the uploads directory.
// Only the base name of a reference is used, so both upload URLs
// ("/uploads/reclamations/a.jpg") and bare file names resolve.
type DirResolver struct {
	Root string
}

// NewDirResolver creates a resolver rooted at dir
func NewDirResolver(dir string) *DirResolver {
	return &DirResolver{Root: dir}
}

// Resolve reads the file behind ref
func (r *DirResolver) Resolve(ref string) (*Photo, error) {
	name := baseName(ref)
	if name == "" || name == "." || name == "/" || name == ".." {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}

	data, err := os.ReadFile(filepath.Join(r.Root, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, ref)
		}
		return nil, err
	}

	return &Photo{
		Ref:      ref,
		MIMEType: http.DetectContentType(data),
		Data:     data,
	}, nil
}

func baseName(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	return path.Base(filepath.ToSlash(ref))
}
