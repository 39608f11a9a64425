package fabric

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MarshalRegions serializes region descriptors for the control plane.
func MarshalRegions(regions []RegionDesc) ([]byte, error) {
	data, err := msgpack.Marshal(regions)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling region descriptors")
	}
	return data, nil
}

// UnmarshalRegions is the inverse of MarshalRegions.
func UnmarshalRegions(data []byte) ([]RegionDesc, error) {
	var regions []RegionDesc
	if err := msgpack.Unmarshal(data, &regions); err != nil {
		return nil, errors.Wrap(err, "unmarshaling region descriptors")
	}
	return regions, nil
}
