package firmware

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hybo/ilidar-tool/internal/protocol"
)

// ImageSize is the fixed size of a firmware transfer: 256 chunks of
// 1024 bytes. Shorter .bin files are padded with 0xFF up to this size.
const ImageSize = protocol.FlashChunkCount * protocol.FlashChunkSize

// Image is one firmware artifact, addressed to a single sensor. The
// canonical filename carries everything needed to match it to hardware:
//
//	ilidar_<type>_<major>_<minor>_<patch>_<serial>_<hwid>.bin
type Image struct {
	Path    string
	Type    string
	Version protocol.Version
	Serial  uint16
	// HWID is the hardware id prefix the target sensor must report.
	HWID [12]byte

	data []byte
}

// LoadImage reads and validates one .bin file.
func LoadImage(path string) (*Image, error) {
	img, err := parseImageName(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	img.Path = path

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("firmware: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("firmware: %s is empty", path)
	}
	if len(data) > ImageSize {
		return nil, fmt.Errorf("firmware: %s is %d bytes, exceeds %d", path, len(data), ImageSize)
	}
	img.data = make([]byte, ImageSize)
	for i := range img.data {
		img.data[i] = 0xFF
	}
	copy(img.data, data)
	return img, nil
}

func parseImageName(name string) (*Image, error) {
	base := strings.TrimSuffix(name, ".bin")
	if base == name {
		return nil, fmt.Errorf("firmware: %s is not a .bin file", name)
	}
	parts := strings.Split(base, "_")
	if len(parts) != 7 || parts[0] != "ilidar" {
		return nil, fmt.Errorf("firmware: %s does not match ilidar_<type>_<maj>_<min>_<patch>_<sn>_<hwid>.bin", name)
	}

	major, errMaj := strconv.Atoi(parts[2])
	minor, errMin := strconv.Atoi(parts[3])
	patch, errPat := strconv.Atoi(parts[4])
	if errMaj != nil || errMin != nil || errPat != nil ||
		major < 0 || major > 255 || minor < 0 || minor > 255 || patch < 0 || patch > 255 {
		return nil, fmt.Errorf("firmware: %s carries an invalid version", name)
	}

	serial, err := strconv.Atoi(parts[5])
	if err != nil || serial < 0 || serial > 65535 {
		return nil, fmt.Errorf("firmware: %s carries an invalid serial", name)
	}

	// The hardware id field has a 2-character prefix ahead of 12 hex
	// encoded bytes.
	idPart := parts[6]
	if len(idPart) != 26 {
		return nil, fmt.Errorf("firmware: %s carries an invalid hardware id", name)
	}
	idBytes, err := hex.DecodeString(idPart[2:])
	if err != nil {
		return nil, fmt.Errorf("firmware: %s carries an invalid hardware id: %w", name, err)
	}

	img := &Image{
		Type:    parts[1],
		Version: protocol.NewVersion(uint8(major), uint8(minor), uint8(patch)),
		Serial:  uint16(serial),
	}
	copy(img.HWID[:], idBytes)
	return img, nil
}

// Chunk returns the 1024-byte block at index i.
func (img *Image) Chunk(i int) []byte {
	return img.data[i*protocol.FlashChunkSize : (i+1)*protocol.FlashChunkSize]
}

// LoadDir loads every valid .bin file in dir, sorted by filename. Two
// files addressing the same serial is an error, since the updater could
// not decide which one the sensor should get.
func LoadDir(dir string) ([]*Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("firmware: read directory %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".bin") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var images []*Image
	bySerial := make(map[uint16]string)
	for _, name := range names {
		img, err := LoadImage(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := bySerial[img.Serial]; dup {
			return nil, fmt.Errorf("firmware: %s and %s both address serial %d", prev, name, img.Serial)
		}
		bySerial[img.Serial] = name
		images = append(images, img)
	}
	return images, nil
}
