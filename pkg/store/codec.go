package store

import (
	"encoding/json"
	"errors"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeDataset(r DatasetRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeDataset(data []byte) (DatasetRecord, error) {
	var record DatasetRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return DatasetRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return DatasetRecord{}, err
	}
	return record, nil
}

func EncodeResults(r ResultsRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeResults(data []byte) (ResultsRecord, error) {
	var record ResultsRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ResultsRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return ResultsRecord{}, err
	}
	return record, nil
}

func checkVersion(v VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
