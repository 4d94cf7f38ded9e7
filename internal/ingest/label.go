package ingest

import (
	"crypto/md5"
	"encoding/hex"
	"path"
	"strings"
)

// ObjectPrefix is the bucket folder watched for training uploads. Everything
// outside it is ignored.
const ObjectPrefix = "documents/"

// IsTrainingObject filters storage objects down to training material: PDFs
// under the documents/ folder. Content type wins when present; scan paths
// that only have an object name fall back to the extension.
func IsTrainingObject(name, contentType string) bool {
	if !strings.HasPrefix(name, ObjectPrefix) || strings.HasSuffix(name, "/") {
		return false
	}
	if contentType != "" {
		return contentType == "application/pdf"
	}
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}

// DocumentIDFor derives a stable id from the object path: the sanitized base
// name plus a short hash of the full path, so same-named files in different
// folders stay distinct and re-uploads map to the same record.
func DocumentIDFor(objectName string) string {
	base := path.Base(objectName)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	base = strings.ReplaceAll(base, " ", "_")

	var b strings.Builder
	for _, c := range base {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	safe := b.String()
	if len(safe) > 40 {
		safe = safe[:40]
	}

	sum := md5.Sum([]byte(objectName))
	return safe + "_" + hex.EncodeToString(sum[:])[:8]
}

// LabelFor reads the folder convention: documents/<label>/file.pdf labels the
// file with <label> in upper snake case. Objects sitting directly under
// documents/ carry no label.
func LabelFor(objectName string) string {
	rest := strings.TrimPrefix(objectName, ObjectPrefix)
	if rest == objectName {
		return ""
	}
	i := strings.Index(rest, "/")
	if i <= 0 {
		return ""
	}
	label := rest[:i]
	label = strings.ReplaceAll(strings.TrimSpace(label), " ", "_")
	label = strings.ReplaceAll(label, "-", "_")
	return strings.ToUpper(label)
}
