package photos

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDirResolver_Resolve(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(filepath.Join(dir, "burnt.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewDirResolver(dir)

	for _, ref := range []string{
		"burnt.png",
		"/uploads/reclamations/burnt.png",
		"http://localhost:8080/uploads/reclamations/burnt.png",
	} {
		p, err := r.Resolve(ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if p.MIMEType != "image/png" {
			t.Errorf("Resolve(%q).MIMEType = %q, want image/png", ref, p.MIMEType)
		}
		if p.Ref != ref {
			t.Errorf("Resolve(%q).Ref = %q", ref, p.Ref)
		}
	}
}

func TestDirResolver_Missing(t *testing.T) {
	r := NewDirResolver(t.TempDir())
	for _, ref := range []string{"missing.jpg", "", "/", "../etc/passwd"} {
		if _, err := r.Resolve(ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrNotFound", ref, err)
		}
	}
}
