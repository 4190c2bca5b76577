package livehttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

var barSchema = map[string]any{
	"type":     "object",
	"required": []any{"open_time", "open", "high", "low", "close"},
	"properties": map[string]any{
		"open_time":  map[string]any{"type": "integer", "minimum": 0},
		"close_time": map[string]any{"type": "integer", "minimum": 0},
		"open":       map[string]any{"type": "number"},
		"high":       map[string]any{"type": "number"},
		"low":        map[string]any{"type": "number"},
		"close":      map[string]any{"type": "number"},
		"volume":     map[string]any{"type": "number", "minimum": 0},
		"trades":     map[string]any{"type": "integer", "minimum": 0},
	},
}

var paramsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"lookback":       map[string]any{"type": "integer"},
		"retrace":        map[string]any{"type": "number"},
		"stop_level":     map[string]any{"type": "number"},
		"risk_per_trade": map[string]any{"type": "number"},
		"target":         map[string]any{"type": "string"},
	},
	"additionalProperties": false,
}

var barsSchema = map[string]any{
	"type":     "array",
	"minItems": 1,
	"items":    barSchema,
}

var levelsRequestSchema = map[string]any{
	"type":     "object",
	"required": []any{"bars"},
	"properties": map[string]any{
		"bars":   barsSchema,
		"params": paramsSchema,
	},
}

var evaluateRequestSchema = map[string]any{
	"type":     "object",
	"required": []any{"bars", "cash"},
	"properties": map[string]any{
		"bars":   barsSchema,
		"params": paramsSchema,
		"cash":   map[string]any{"type": "number", "minimum": 0},
		"position": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"side":        map[string]any{"enum": []any{"flat", "long", "short", ""}},
				"size":        map[string]any{"type": "number", "minimum": 0},
				"entry_price": map[string]any{"type": "number"},
				"stop_price":  map[string]any{"type": "number"},
				"take_profit": map[string]any{"type": "number"},
				"opened_at":   map[string]any{"type": "integer"},
			},
		},
	},
}

var resampleAlignSchema = map[string]any{
	"type":     "object",
	"required": []any{"bars"},
	"properties": map[string]any{
		"bars":   barsSchema,
		"params": paramsSchema,
		"coarse": map[string]any{"type": "string"},
		"medium": map[string]any{"type": "string"},
		"fine":   map[string]any{"type": "string"},
	},
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func mustCompile(data map[string]any) *jsonschema.Schema {
	schema, err := compileSchema(data)
	if err != nil {
		panic(fmt.Sprintf("compile request schema: %v", err))
	}
	return schema
}

var errInvalidJSON = errors.New("request body is not valid JSON")

// decodeValidated 先用 gjson 快速判定 JSON 合法，再按 schema 校验，最后解码到 out。
func decodeValidated(schema *jsonschema.Schema, raw []byte, out any) error {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return errInvalidJSON
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("schema: %s", verr.Error())
		}
		return err
	}
	return json.Unmarshal(raw, out)
}
