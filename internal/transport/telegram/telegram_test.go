package telegram

import (
	"strings"
	"testing"

	"streamwatch/internal/transport"
)

func TestPhotoFile(t *testing.T) {
	t.Parallel()

	f, err := photoFile(transport.PhotoSource{FileID: "AgAD", URL: "https://x/1.jpg"})
	if err != nil || f.FileID != "AgAD" || f.FileURL != "" {
		t.Fatalf("file id source = %+v, %v", f, err)
	}
	f, err = photoFile(transport.PhotoSource{URL: "https://x/1.jpg"})
	if err != nil || f.FileURL != "https://x/1.jpg" {
		t.Fatalf("url source = %+v, %v", f, err)
	}
	f, err = photoFile(transport.PhotoSource{Reader: strings.NewReader("img")})
	if err != nil || f.FileReader == nil {
		t.Fatalf("reader source = %+v, %v", f, err)
	}
	if _, err := photoFile(transport.PhotoSource{}); err == nil {
		t.Fatal("expected error for empty source")
	}
}
