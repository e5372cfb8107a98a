package tool

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Size and depth limits for the filesystem tools.
const (
	maxReadBytes      = 10 * 1024 * 1024 // 10 MiB
	maxWriteBytes     = 1024 * 1024      // 1 MiB
	defaultMaxLines   = 500
	defaultMaxDepth   = 3
	defaultMaxResults = 50
)

// Extensions that are never writable.
var blockedWriteExtensions = map[string]bool{
	"env": true, "key": true, "pem": true, "exe": true, "dll": true,
	"so": true, "dylib": true, "bat": true, "cmd": true, "ps1": true,
}

// Backup and temp extensions blocked for read and write.
var blockedBackupExtensions = map[string]bool{
	"bak": true, "old": true, "orig": true, "swp": true,
}

// System prefixes that must never be written to (prefix match on the
// canonical path).
var blockedWritePrefixes = []string{
	"/etc", "/usr", "/bin", "/sbin", "/var", "/boot", "/proc", "/sys",
}

// Credential filenames blocked for write regardless of location.
var blockedWriteNames = map[string]bool{
	".gitconfig": true, ".npmrc": true, ".netrc": true,
	"credentials": true, "credentials.json": true,
	"id_rsa": true, "id_ed25519": true,
	"authorized_keys": true, "known_hosts": true, ".ssh": true,
}

// ValidatePath enforces the sandbox contract: reject NUL bytes, NTFS
// alternate data streams, UNC prefixes, trailing "~", and backup
// extensions; resolve relative paths against the first allowed dir; and
// require the canonical path (parent-canonicalized when the target does not
// exist yet) to be a descendant of at least one canonicalized allowed dir.
func ValidatePath(raw string, allowedDirs []string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("access denied: path contains null byte")
	}

	// NTFS alternate data streams (file:stream). A drive-letter prefix like
	// C:\ is tolerated; any further colon is not.
	if strings.Contains(raw, ":") {
		afterDrive := raw
		if len(raw) >= 2 && raw[1] == ':' {
			afterDrive = raw[2:]
		}
		if strings.Contains(afterDrive, ":") {
			return "", fmt.Errorf("access denied: NTFS alternate data streams are not allowed")
		}
	}

	if strings.HasPrefix(raw, `\\`) || strings.HasPrefix(raw, "//") {
		return "", fmt.Errorf("access denied: UNC network paths are not allowed")
	}

	if strings.HasSuffix(raw, "~") {
		return "", fmt.Errorf("access denied: temporary/backup paths (ending with ~) are not allowed")
	}

	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(raw), ".")); blockedBackupExtensions[ext] {
		return "", fmt.Errorf("access denied: backup extension %q is not allowed", "."+ext)
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		if len(allowedDirs) == 0 {
			return "", fmt.Errorf("no allowed directories configured")
		}
		abs = filepath.Join(allowedDirs[0], abs)
	}

	canonical, err := canonicalize(abs)
	if err != nil {
		return "", err
	}

	for _, dir := range allowedDirs {
		canonDir, err := filepath.EvalSymlinks(dir)
		if err != nil {
			continue
		}
		if canonical == canonDir || strings.HasPrefix(canonical, canonDir+string(filepath.Separator)) {
			return canonical, nil
		}
	}

	return "", fmt.Errorf("access denied: path %q is outside allowed directories", canonical)
}

// canonicalize resolves symlinks and dot segments. For paths that do not
// exist yet, the parent is canonicalized and the base name re-attached, so
// writes to new files are still containment-checked.
func canonicalize(abs string) (string, error) {
	cleaned := filepath.Clean(abs)
	if resolved, err := filepath.EvalSymlinks(cleaned); err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(cleaned)
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("parent directory does not exist: %s", parent)
	}
	return filepath.Join(resolvedParent, filepath.Base(cleaned)), nil
}

// IsBlockedForWrite rejects writes to secret-bearing and system locations:
// blocked extensions, dotenv variants, system prefixes, anything under a
// .git directory, and well-known credential filenames.
func IsBlockedForWrite(path string) bool {
	if ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); blockedWriteExtensions[ext] {
		return true
	}

	name := strings.ToLower(filepath.Base(path))
	if name == ".env" || strings.HasPrefix(name, ".env.") {
		return true
	}
	if blockedWriteNames[name] {
		return true
	}

	for _, prefix := range blockedWritePrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}

	for _, component := range strings.Split(path, string(filepath.Separator)) {
		if component == ".git" {
			return true
		}
	}

	return false
}

// IsBinary applies the NUL heuristic to the first 8 KiB.
func IsBinary(data []byte) bool {
	limit := len(data)
	if limit > 8192 {
		limit = 8192
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}

// humanSize renders a byte count for directory listings.
func humanSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	}
}
