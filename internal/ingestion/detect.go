package ingestion

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// InferredMetadata holds the format and doc type inferred from a document's
// file path. CLI flags take precedence over inferred values — this is the
// "best-effort" fallback when the user doesn't specify explicit metadata.
type InferredMetadata struct {
	// Format is the source text format (markdown, text, restructuredtext, code, config).
	Format string
	// DocType classifies the documentation kind (reference, readme, changelog, guide).
	DocType string
}

// supportedExtensions maps file extensions eligible for ingestion to their
// canonical format label. Files with other extensions are skipped.
var supportedExtensions = map[string]string{
	".md":       "markdown",
	".markdown": "markdown",
	".mdx":      "markdown",
	".txt":      "text",
	".text":     "text",
	".rst":      "restructuredtext",
	".adoc":     "text",
	".yaml":     "config",
	".yml":      "config",
	".json":     "config",
	".toml":     "config",
}

// IsSupported reports whether the file at path has an extension eligible for
// ingestion.
func IsSupported(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ValidText reports whether data is valid UTF-8 and contains no NUL bytes.
// Binary files slip through extension checks often enough that this is worth
// verifying before chunking.
func ValidText(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b == 0 {
			return false
		}
	}
	return true
}

// InferMetadata inspects a document's file path and returns best-effort
// metadata. If the path doesn't match any known pattern the returned fields
// contain sensible defaults ("text", "reference").
//
// Recognised filename patterns:
//
//	README*           → readme
//	CHANGELOG*        → changelog
//	*guide*, *howto*  → guide
//	everything else   → reference
func InferMetadata(path string) InferredMetadata {
	m := InferredMetadata{
		Format:  "text",
		DocType: "reference",
	}

	if format, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]; ok {
		m.Format = format
	}

	base := strings.ToLower(filepath.Base(path))
	name := strings.TrimSuffix(base, filepath.Ext(base))

	switch {
	case strings.HasPrefix(name, "readme"):
		m.DocType = "readme"
	case strings.HasPrefix(name, "changelog") || strings.HasPrefix(name, "changes") || strings.HasPrefix(name, "history"):
		m.DocType = "changelog"
	case strings.Contains(name, "guide") || strings.Contains(name, "howto") || strings.Contains(name, "tutorial"):
		m.DocType = "guide"
	}

	return m
}
