package directory

import (
	"encoding/json"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

func encodeEntry(e registry.DirectoryEntry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "directory", "encode", "marshal entry "+e.Key())
	}
	return data, nil
}

func decodeEntry(data []byte) (registry.DirectoryEntry, error) {
	var e registry.DirectoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return e, errors.WrapInvalid(err, "directory", "decode", "unmarshal entry")
	}
	if e.NodeID == "" || e.ID == "" {
		return e, errors.Invalidf("directory", "decode", "entry without node or id")
	}
	return e, nil
}
