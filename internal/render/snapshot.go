package render

import (
	"fmt"
	"image"

	"github.com/google/renameio/v2"

	"github.com/selenograph/moonclock/internal/observability"
)

// WriteSnapshot replaces path with the PNG encoding of the face in a single
// rename, so readers of the file never observe a partial write.
func WriteSnapshot(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		observability.SnapshotWritesTotal.WithLabelValues("encode_error").Inc()
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		observability.SnapshotWritesTotal.WithLabelValues("write_error").Inc()
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	observability.SnapshotWritesTotal.WithLabelValues("success").Inc()
	return nil
}
