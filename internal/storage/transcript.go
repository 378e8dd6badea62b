package storage

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
)

// WriteTranscript persists a transcription result as JSON under
// transcriptions/, alongside a ".crc" sidecar holding the CRC32 of the
// JSON payload so a later reader can detect truncation or corruption
// without needing a full checksum database. No pack library covers
// CRC32; hash/crc32 is the standard-library answer and is used as-is
// (see DESIGN.md).
func (m *Manager) WriteTranscript(segmentID string, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", coreerr.Wrap("storage.write_transcript", coreerr.KindIOError, "storage", err)
	}

	name := fmt.Sprintf("%s.json", segmentID)
	path := filepath.Join(m.cfg.BaseDir, transcriptDir, name)
	crcPath := path + ".crc"

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", coreerr.Wrap("storage.write_transcript", coreerr.KindIOError, "storage", err)
	}

	sum := crc32.ChecksumIEEE(data)
	if err := os.WriteFile(crcPath, []byte(fmt.Sprintf("%08x", sum)), 0o644); err != nil {
		return "", coreerr.Wrap("storage.write_transcript", coreerr.KindIOError, "storage", err)
	}

	return path, nil
}

// VerifyTranscript recomputes the CRC32 of the stored JSON at segmentID
// and compares it against its sidecar.
func (m *Manager) VerifyTranscript(segmentID string) (bool, error) {
	name := fmt.Sprintf("%s.json", segmentID)
	path := filepath.Join(m.cfg.BaseDir, transcriptDir, name)

	data, err := os.ReadFile(path)
	if err != nil {
		return false, coreerr.Wrap("storage.verify_transcript", coreerr.KindIOError, "storage", err)
	}
	wantRaw, err := os.ReadFile(path + ".crc")
	if err != nil {
		return false, coreerr.Wrap("storage.verify_transcript", coreerr.KindIOError, "storage", err)
	}

	var want uint32
	if _, err := fmt.Sscanf(string(wantRaw), "%08x", &want); err != nil {
		return false, coreerr.Wrap("storage.verify_transcript", coreerr.KindIOError, "storage", err)
	}

	return crc32.ChecksumIEEE(data) == want, nil
}
