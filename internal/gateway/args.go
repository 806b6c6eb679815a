package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ArgsFromJSON parses a JSON object of tool arguments. Blank input yields an empty object.
func ArgsFromJSON(raw string) (*structpb.Struct, error) {
	args := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := protojson.Unmarshal([]byte(raw), args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	return args, nil
}

// ArgsFromMap converts plain values into tool arguments.
func ArgsFromMap(m map[string]any) (*structpb.Struct, error) {
	args, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build tool arguments: %w", err)
	}
	return args, nil
}

// CanonicalJSON renders args with sorted keys so equal arguments always render identically.
func CanonicalJSON(args *structpb.Struct) string {
	if args == nil {
		return "{}"
	}
	b, err := json.Marshal(args.AsMap())
	if err != nil {
		return "{}"
	}
	return string(b)
}

// StringArg returns the string argument key, or "" when it is absent or not a string.
func StringArg(args *structpb.Struct, key string) string {
	return args.GetFields()[key].GetStringValue()
}
