package tree

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	snapshotExt     = ".sgtree"
	snapshotVersion = 1
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tree: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxNestedLevels: 32}.DecMode()
	if err != nil {
		panic("tree: cbor decoder: " + err.Error())
	}
}

type snapshotFile struct {
	Version int    `cbor:"1,keyasint"`
	SyncID  string `cbor:"2,keyasint"`
	SinceNS int64  `cbor:"3,keyasint"`
	Root    *Level `cbor:"4,keyasint"`
}

// SnapshotFilename is the file name used for a snapshot with the given id.
func SnapshotFilename(id string) string {
	return id + snapshotExt
}

// WriteSnapshot stores s as zstd-compressed CBOR under dir and returns the
// file name. The write goes through a temp file and a rename.
func WriteSnapshot(dir, name string, s *Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	raw, err := encMode.Marshal(snapshotFile{Version: snapshotVersion, SyncID: s.SyncID, SinceNS: s.SinceNS, Root: s.Root})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", err
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return name, nil
}

// ReadSnapshot loads and verifies a snapshot file.
func ReadSnapshot(dir, name string) (*Snapshot, error) {
	compressed, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot %s: %w", name, err)
	}
	var f snapshotFile
	if err := decMode.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	if f.Version != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d", name, f.Version)
	}
	if err := Verify(f.Root); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	return NewSnapshot(f.Root, f.SyncID, f.SinceNS, name), nil
}
