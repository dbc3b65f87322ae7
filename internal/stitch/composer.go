package stitch

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Segment is one input of a composition, in output order.
type Segment struct {
	// Label names the origin, e.g. "row 3 unit 1".
	Label   string
	Ref     string
	Seconds float64
}

// Output is a composed artifact ready to store. Close releases any
// temporary files behind Body.
type Output struct {
	Body        io.ReadSeeker
	ContentType string
	Ext         string
	Close       func() error
}

// Composer combines ordered segments into one artifact.
type Composer interface {
	Name() string
	Compose(ctx context.Context, segments []Segment) (*Output, error)
}

// ArtifactKey is the content address of a composition: the BLAKE2b-256 of
// the ordered segment refs. Stitching the same inputs again yields the
// same key.
func ArtifactKey(scope, id string, segments []Segment, ext string) string {
	h, _ := blake2b.New256(nil)
	for _, s := range segments {
		_, _ = io.WriteString(h, s.Ref)
		_, _ = h.Write([]byte{'\n'})
	}
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s/%s/%s%s", scope, id, sum[:32], ext)
}

// ManifestComposer writes an HLS-style playlist of the segment refs. It
// never touches the media itself.
type ManifestComposer struct{}

func (ManifestComposer) Name() string { return "manifest" }

func (ManifestComposer) Compose(ctx context.Context, segments []Segment) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	target := 1.0
	for _, s := range segments {
		target = math.Max(target, math.Ceil(s.Seconds))
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(target))
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,%s\n", s.Seconds, s.Label)
		b.WriteString(s.Ref)
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	return &Output{
		Body:        bytes.NewReader([]byte(b.String())),
		ContentType: "application/vnd.apple.mpegurl",
		Ext:         ".m3u8",
		Close:       func() error { return nil },
	}, nil
}
