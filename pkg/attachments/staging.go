package attachments

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sipeed/docrelay/pkg/utils"
)

// Staging is the local directory documents pass through between download
// and re-upload. Files are named {document_id}_{original_name} while staged
// and renamed to the final name right before upload.
type Staging struct {
	rootPath string
}

func NewStaging(dir string) (*Staging, error) {
	if dir == "" {
		dir = "downloads"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Staging{rootPath: dir}, nil
}

func (s *Staging) RootPath() string {
	return s.rootPath
}

// StagePath returns the download target for a document. The document id
// prefix keeps concurrent downloads of different documents apart.
func (s *Staging) StagePath(documentID int64, originalName string) string {
	name := localName(originalName, documentID)
	return filepath.Join(s.rootPath, strconv.FormatInt(documentID, 10)+"_"+name)
}

// FinalPath returns where a staged document is moved before upload.
func (s *Staging) FinalPath(documentID int64, finalName string) string {
	return filepath.Join(s.rootPath, localName(finalName, documentID))
}

// Finalize moves a staged file to its final name, replacing any file already
// there, and returns the new path.
func (s *Staging) Finalize(stagedPath string, documentID int64, finalName string) (string, error) {
	dest := s.FinalPath(documentID, finalName)
	if dest == stagedPath {
		return dest, nil
	}
	if err := os.Rename(stagedPath, dest); err != nil {
		return "", fmt.Errorf("move %s to %s: %w", filepath.Base(stagedPath), filepath.Base(dest), err)
	}
	return dest, nil
}

func (s *Staging) Remove(path string) error {
	if !s.IsInRoot(path) {
		return fmt.Errorf("refusing to remove %s outside staging dir", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staged file: %w", err)
	}
	return nil
}

// Pending reports how many files are currently sitting in the staging dir,
// including ones left behind by failed tasks.
func (s *Staging) Pending() (int, error) {
	return utils.CountFiles(s.rootPath)
}

func (s *Staging) IsInRoot(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	root, err := filepath.Abs(s.rootPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != "." && filepath.Dir(rel) == "."
}

func localName(name string, documentID int64) string {
	safe := utils.SanitizeFilename(name)
	if safe == "" {
		safe = fmt.Sprintf("document_%d", documentID)
	}
	return safe
}
