// Package icrypto builds the additional authenticated data that binds an
// encrypted artifact to its identity.
package icrypto

import (
	"encoding/binary"
)

const (
	aadKeyArtifact = "KEYARTIFACT"
)

// AADKeyArtifact binds a sealed private key to the entity id it belongs to
// and the artifact format version. Moving the file to another id, or
// reading it under another version, fails authentication.
func AADKeyArtifact(id string, ver int) []byte {
	return buildAAD(aadKeyArtifact, id, ver)
}

// buildAAD length-prefixes strings and byte slices so that no two part
// lists encode to the same bytes.
func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
