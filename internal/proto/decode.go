package proto

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Decode unmarshals data into a T and validates it. Every inbound event goes
// through here so handlers only ever see well-formed payloads.
func Decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, fmt.Errorf("proto: empty payload")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("proto: decode: %w", err)
	}
	if sv, ok := any(&v).(interface{ Validate() error }); ok {
		if err := sv.Validate(); err != nil {
			return v, err
		}
		return v, nil
	}
	if err := Validator().Struct(v); err != nil {
		return v, fmt.Errorf("proto: invalid payload: %w", err)
	}
	return v, nil
}
