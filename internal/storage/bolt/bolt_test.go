package bolt

import (
	"path/filepath"
	"testing"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) backend.Storage {
		s, err := Open(filepath.Join(t.TempDir(), "stowage.bolt"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return s
	}, storagetest.Options{Attachments: true})
}
