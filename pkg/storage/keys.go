package storage

import (
	"path"
	"regexp"
	"strconv"
	"strings"
)

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename strips path components and unsafe characters from an
// uploaded filename so it can be embedded in an object key. The extension is
// preserved even when the stem is entirely non-ASCII.
func SanitizeFilename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stem = unsafeKeyChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "file"
	}
	ext = unsafeKeyChars.ReplaceAllString(ext, "")
	return stem + ext
}

// ContentImageKey returns the object key for a content source image:
// {storagePath}/content/{uniqueID}{ext}. The content UUID keeps keys collision
// free across re-uploads of identically named files.
func ContentImageKey(storagePath, uniqueID, filename string) string {
	ext := strings.ToLower(path.Ext(SanitizeFilename(filename)))
	return joinKey(storagePath, FolderContent, uniqueID+ext)
}

// MarkerKey returns the object key for a compiled marker:
// {storagePath}/markers/{arContentID}.mind.
func MarkerKey(storagePath string, arContentID int64) string {
	return joinKey(storagePath, FolderMarkers, strconv.FormatInt(arContentID, 10)+".mind")
}

// VideoKey returns the object key for an overlay video:
// {storagePath}/videos/{hash8}_{filename}. hash8 is a short content hash so
// distinct files with the same name never collide.
func VideoKey(storagePath, hash8, filename string) string {
	return joinKey(storagePath, FolderVideos, hash8+"_"+SanitizeFilename(filename))
}

// ThumbnailKey returns the object key for a generated thumbnail.
func ThumbnailKey(storagePath, uniqueID string) string {
	return joinKey(storagePath, FolderThumbnails, uniqueID+".jpg")
}

func joinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
