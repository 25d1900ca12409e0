package api

import (
	"io"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newKernelID() string {
	return "krn_" + uuid.NewString()
}

func newLaunchID() string {
	return "lch_" + uuid.NewString()
}

func dim3(x, y, z uint32) [3]uint32 {
	return [3]uint32{x, y, z}
}
