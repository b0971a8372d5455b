package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"

	"github.com/srediag/devsentry/internal/model"
)

// FileName is the manifest document inside a plugin package directory.
const FileName = "manifest.yaml"

// Load parses and fully validates the package at dir: schema, entry module
// integrity digest and entry content type. On any failure nothing is
// returned; a package is never partially accepted.
func Load(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, &model.ValidationError{Field: "manifest", Reason: fmt.Sprintf("read %s: %v", FileName, err)}
	}
	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	entryPath := filepath.Join(dir, m.Entry)
	entry, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, &model.ValidationError{Field: "entry", Reason: fmt.Sprintf("read entry module: %v", err)}
	}
	sum := sha256.Sum256(entry)
	if hex.EncodeToString(sum[:]) != m.Integrity.SHA256 {
		return nil, &model.ValidationError{Field: "integrity.sha256", Reason: "entry module digest mismatch"}
	}
	if err := checkEntryType(entry); err != nil {
		return nil, err
	}
	return m, nil
}

// Parse decodes and schema-validates a manifest document.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := yamlUnmarshalStrict(raw, &m); err != nil {
		return nil, &model.ValidationError{Field: "manifest", Reason: err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkEntryType sniffs the entry module and rejects content that cannot be
// code: media and archive payloads smuggled in as an entry point.
func checkEntryType(entry []byte) error {
	kind, err := filetype.Match(entry)
	if err != nil || kind == filetype.Unknown {
		// Scripts and unrecognized formats pass; the sandbox exec decides.
		return nil
	}
	switch kind {
	case matchers.TypeElf, matchers.TypeExe, matchers.TypeWasm:
		return nil
	}
	return &model.ValidationError{
		Field:  "entry",
		Reason: fmt.Sprintf("entry module has non-executable type %s", kind.MIME.Value),
	}
}
