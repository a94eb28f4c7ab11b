package service

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct converts v to a structpb.Struct through its JSON form, so response
// bodies follow the json tags of the core types.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build response: %w", err)
	}
	return s, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// intField returns the integer at key, or def when it is absent.
func intField(s *structpb.Struct, key string, def int) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return def, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return int(n.NumberValue), nil
}
