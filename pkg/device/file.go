package device

import (
	"errors"
	"fmt"
	"os"
)

// ErrImageSize is returned when an existing image file does not match the
// configured geometry.
var ErrImageSize = errors.New("image size does not match geometry")

// OpenFile maps a flash device onto an image file. A missing or empty image is
// created and fully erased. The file stays open until Release; it is synced
// whenever the last outstanding Open is closed.
func OpenFile(path string, geometry Geometry, blocks uint32, parts ...Partition) (*Flash, error) {
	if err := geometry.Validate(); err != nil {
		return nil, err
	}
	want := int64(blocks) * int64(geometry.BlockBytes())

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat image %s: %w", path, err)
	}

	switch info.Size() {
	case 0:
		if err := eraseImage(file, geometry, blocks); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to format image %s: %w", path, err)
		}
	case want:
	default:
		file.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes, expected %d", ErrImageSize, path, info.Size(), want)
	}

	f, err := newFlash(file, geometry, blocks, parts)
	if err != nil {
		file.Close()
		return nil, err
	}
	f.sync = file.Sync
	f.release = file.Close
	return f, nil
}

func eraseImage(file *os.File, geometry Geometry, blocks uint32) error {
	erased := make([]byte, geometry.BlockBytes())
	for i := range erased {
		erased[i] = ErasedByte
	}
	for b := uint32(0); b < blocks; b++ {
		if _, err := file.WriteAt(erased, int64(b)*int64(len(erased))); err != nil {
			return err
		}
	}
	return file.Sync()
}
