package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Conventional folder names under the shared root.
const (
	InboxDirName    = "01_INBOX"
	ApprovedDirName = "02_ARCHIVE_APPROVED"
	RejectedDirName = "03_ARCHIVE_REJECTED"
)

// Paths holds the resolved archive roots
type Paths struct {
	Root     string `yaml:"root"`
	Inbox    string `yaml:"inbox"`
	Approved string `yaml:"approved"`
	Rejected string `yaml:"rejected"`
}

// LoadPaths reads the archive layout from a YAML file. A missing file is not
// an error when rootOverride is set; the conventional folders under the root
// are used instead. Explicit entries in the file win over the conventions.
func LoadPaths(path, rootOverride string) (*Paths, error) {
	var p Paths

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse paths config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && rootOverride != "":
	default:
		return nil, fmt.Errorf("failed to read paths config file: %w", err)
	}

	if rootOverride != "" {
		p.Root = rootOverride
	}
	p.applyDefaults()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Paths) applyDefaults() {
	if p.Root == "" {
		return
	}
	if p.Inbox == "" {
		p.Inbox = filepath.Join(p.Root, InboxDirName)
	}
	if p.Approved == "" {
		p.Approved = filepath.Join(p.Root, ApprovedDirName)
	}
	if p.Rejected == "" {
		p.Rejected = filepath.Join(p.Root, RejectedDirName)
	}
}

// Validate validates the archive layout
func (p *Paths) Validate() error {
	if p.Inbox == "" {
		return fmt.Errorf("inbox path is required")
	}
	if p.Approved == "" {
		return fmt.Errorf("approved path is required")
	}
	if p.Rejected == "" {
		return fmt.Errorf("rejected path is required")
	}
	if filepath.Clean(p.Approved) == filepath.Clean(p.Rejected) {
		return fmt.Errorf("approved and rejected roots must differ")
	}
	return nil
}

// EnsureInbox creates the inbox directory if it does not exist yet
func (p *Paths) EnsureInbox() error {
	return os.MkdirAll(p.Inbox, 0o755)
}
