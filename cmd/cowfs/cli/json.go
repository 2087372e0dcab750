// Copyright 2026 The COWFS Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

// WriteJSON marshals value as indented JSON and writes it to stdout.
// Nil slices are normalized to empty slices first, so machine-mode
// consumers never see null where a list belongs.
func WriteJSON(value any) error {
	data, err := json.MarshalIndent(normalizeNilSlice(value), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}

// normalizeNilSlice converts a nil slice to an empty one of the same
// type. Non-slice values pass through unchanged.
func normalizeNilSlice(value any) any {
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice && v.IsNil() {
		return reflect.MakeSlice(v.Type(), 0, 0).Interface()
	}
	return value
}
