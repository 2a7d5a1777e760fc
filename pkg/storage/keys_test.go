package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"plain.jpg":           "plain.jpg",
		"my photo (1).jpg":    "my_photo_1.jpg",
		"кадр.png":            "file.png",
		"../../../etc/passwd": "passwd",
		"video final v2.mp4":  "video_final_v2.mp4",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestContentImageKey(t *testing.T) {
	key := ContentImageKey("acme-corp", "0f8fad5b-d9cb-469f-a165-70867728950e", "poster.PNG")
	assert.Equal(t, "acme-corp/content/0f8fad5b-d9cb-469f-a165-70867728950e.png", key)
}

func TestMarkerKey(t *testing.T) {
	assert.Equal(t, "acme-corp/markers/42.mind", MarkerKey("acme-corp", 42))
}

func TestVideoKey(t *testing.T) {
	key := VideoKey("acme-corp", "ab12cd34", "intro clip.mp4")
	assert.Equal(t, "acme-corp/videos/ab12cd34_intro_clip.mp4", key)
}

func TestCompanyFolders(t *testing.T) {
	folders := CompanyFolders("acme-corp")
	assert.Equal(t, []string{
		"acme-corp/markers",
		"acme-corp/videos",
		"acme-corp/thumbnails",
		"acme-corp/content",
	}, folders)
}
