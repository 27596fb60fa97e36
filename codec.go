package vaultfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Descriptor payload field tags. The payload is a self-describing stream of
// tagged fields so future formats can add optional fields without breaking
// the frame. Unknown tags fail decode.
const (
	tagFormatVersion     = uint8(0x01)
	tagCreatorVersion    = uint8(0x02)
	tagLastOpenedVersion = uint8(0x03)
	tagCipher            = uint8(0x04)
	tagEncryptionKey     = uint8(0x05)
	tagBlockSizeBytes    = uint8(0x06)
	tagRootBlobID        = uint8(0x07)
	tagFilesystemID      = uint8(0x08)
	tagExclusiveClientID = uint8(0x09)
)

var fieldNames = map[uint8]string{
	tagFormatVersion:     "format_version",
	tagCreatorVersion:    "creator_version",
	tagLastOpenedVersion: "last_opened_version",
	tagCipher:            "cipher",
	tagEncryptionKey:     "encryption_key",
	tagBlockSizeBytes:    "block_size_bytes",
	tagRootBlobID:        "root_blob_id",
	tagFilesystemID:      "filesystem_id",
	tagExclusiveClientID: "exclusive_client_id",
}

// EncodeConfig serializes the descriptor payload.
//
// Layout (little-endian): u32 payload size, then for each field in
// ascending tag order: u8 tag, u32 value length, value bytes. String
// fields are UTF-8, u32 fields are 4 bytes LE, the filesystem id is 16
// raw bytes. The exclusive-client-id tag is written only when set.
func EncodeConfig(cfg *Config) ([]byte, error) {
	fields := new(bytes.Buffer)

	writeStringField(fields, tagFormatVersion, cfg.FormatVersion)
	writeStringField(fields, tagCreatorVersion, cfg.CreatorVersion)
	writeStringField(fields, tagLastOpenedVersion, cfg.LastOpenedVersion)
	writeStringField(fields, tagCipher, cfg.Cipher)
	writeStringField(fields, tagEncryptionKey, cfg.EncryptionKey)
	writeU32Field(fields, tagBlockSizeBytes, cfg.BlockSizeBytes)
	writeStringField(fields, tagRootBlobID, cfg.RootBlobID)
	writeBytesField(fields, tagFilesystemID, cfg.FilesystemID[:])
	if cfg.ExclusiveClientID != nil {
		writeU32Field(fields, tagExclusiveClientID, *cfg.ExclusiveClientID)
	}

	out := new(bytes.Buffer)
	out.Grow(4 + fields.Len())
	if err := binary.Write(out, binary.LittleEndian, uint32(fields.Len())); err != nil {
		return nil, err
	}
	out.Write(fields.Bytes())
	return out.Bytes(), nil
}

func writeStringField(buf *bytes.Buffer, tag uint8, value string) {
	writeBytesField(buf, tag, []byte(value))
}

func writeU32Field(buf *bytes.Buffer, tag uint8, value uint32) {
	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], value)
	writeBytesField(buf, tag, v[:])
}

func writeBytesField(buf *bytes.Buffer, tag uint8, value []byte) {
	buf.WriteByte(tag)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
	buf.Write(l[:])
	buf.Write(value)
}

// DecodeConfig parses a descriptor payload produced by EncodeConfig.
// The declared payload size must match the buffer exactly, every required
// field must be present and non-empty, and unknown or duplicate tags fail.
func DecodeConfig(data []byte) (*Config, error) {
	if len(data) < 4 {
		return nil, &DecodeError{Kind: DecodeMalformed, Message: "payload shorter than size header"}
	}
	declared := binary.LittleEndian.Uint32(data[:4])
	body := data[4:]
	if int(declared) != len(body) {
		return nil, &DecodeError{Kind: DecodeSizeMismatch,
			Message: "declared payload size does not match buffer"}
	}

	seen := make(map[uint8][]byte)
	for off := 0; off < len(body); {
		if len(body)-off < 5 {
			return nil, &DecodeError{Kind: DecodeMalformed, Message: "truncated field header"}
		}
		tag := body[off]
		vlen := binary.LittleEndian.Uint32(body[off+1 : off+5])
		off += 5
		if int(vlen) > len(body)-off {
			return nil, &DecodeError{Kind: DecodeMalformed, Field: fieldNames[tag],
				Message: "field value overruns payload"}
		}
		name, known := fieldNames[tag]
		if !known {
			return nil, &DecodeError{Kind: DecodeUnknownField,
				Field: fmt.Sprintf("tag 0x%02x", tag), Message: "unrecognized field tag"}
		}
		if _, dup := seen[tag]; dup {
			return nil, &DecodeError{Kind: DecodeMalformed, Field: name, Message: "duplicate field"}
		}
		seen[tag] = body[off : off+int(vlen)]
		off += int(vlen)
	}

	cfg := &Config{}
	var err error
	if cfg.FormatVersion, err = requireString(seen, tagFormatVersion); err != nil {
		return nil, err
	}
	if cfg.CreatorVersion, err = requireString(seen, tagCreatorVersion); err != nil {
		return nil, err
	}
	if cfg.LastOpenedVersion, err = requireString(seen, tagLastOpenedVersion); err != nil {
		return nil, err
	}
	if cfg.Cipher, err = requireString(seen, tagCipher); err != nil {
		return nil, err
	}
	if cfg.EncryptionKey, err = requireString(seen, tagEncryptionKey); err != nil {
		return nil, err
	}
	if cfg.BlockSizeBytes, err = requireU32(seen, tagBlockSizeBytes); err != nil {
		return nil, err
	}

	// A fresh filesystem has no root blob yet; the tag must still be present.
	rootBlob, ok := seen[tagRootBlobID]
	if !ok {
		return nil, missingField(tagRootBlobID)
	}
	cfg.RootBlobID = string(rootBlob)

	fsid, ok := seen[tagFilesystemID]
	if !ok {
		return nil, missingField(tagFilesystemID)
	}
	if len(fsid) != 16 {
		return nil, &DecodeError{Kind: DecodeMalformed, Field: fieldNames[tagFilesystemID],
			Message: "filesystem id must be 16 bytes"}
	}
	copy(cfg.FilesystemID[:], fsid)

	if raw, ok := seen[tagExclusiveClientID]; ok {
		if len(raw) != 4 {
			return nil, &DecodeError{Kind: DecodeMalformed, Field: fieldNames[tagExclusiveClientID],
				Message: "client id must be 4 bytes"}
		}
		id := binary.LittleEndian.Uint32(raw)
		cfg.ExclusiveClientID = &id
	}

	return cfg, nil
}

func requireString(seen map[uint8][]byte, tag uint8) (string, error) {
	raw, ok := seen[tag]
	if !ok || len(raw) == 0 {
		return "", missingField(tag)
	}
	return string(raw), nil
}

func requireU32(seen map[uint8][]byte, tag uint8) (uint32, error) {
	raw, ok := seen[tag]
	if !ok {
		return 0, missingField(tag)
	}
	if len(raw) != 4 {
		return 0, &DecodeError{Kind: DecodeMalformed, Field: fieldNames[tag],
			Message: "expected 4-byte value"}
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func missingField(tag uint8) error {
	return &DecodeError{Kind: DecodeMissing, Field: fieldNames[tag],
		Message: "required field absent or empty"}
}
