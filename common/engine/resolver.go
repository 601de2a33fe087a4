package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
)

// ValueMapper derives llm-tagged parameter values at run time
type ValueMapper interface {
	MapValue(ctx context.Context, spec *graph.LLMValue, upstream map[string]any) (any, error)
}

// resolver materializes a node's params from the tagged variants:
// statics pass through, refs read upstream artifacts, llm values go
// through the mapper
type resolver struct {
	mapper ValueMapper
}

// resolve returns concrete params with operation defaults applied for
// keys the node leaves unset
func (r *resolver) resolve(ctx context.Context, node *graph.Node, defaults map[string]any, artifacts map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(node.Params)+len(defaults))
	for key, val := range defaults {
		out[key] = val
	}

	for key, val := range node.Params {
		switch val.Kind {
		case graph.ValueStatic:
			out[key] = val.Static
		case graph.ValueRef:
			resolved, err := resolveRef(val.Ref, artifacts)
			if err != nil {
				return nil, connector.NewError(connector.KindRefUnresolved,
					"param "+key, err)
			}
			out[key] = resolved
		case graph.ValueLLM:
			if r.mapper == nil {
				return nil, connector.Errorf(connector.KindValidation,
					"param %s needs llm mapping but no mapper is configured", key)
			}
			mapped, err := r.mapper.MapValue(ctx, val.LLM, artifacts)
			if err != nil {
				return nil, err
			}
			out[key] = mapped
		default:
			return nil, connector.Errorf(connector.KindInternal,
				"param %s has unknown value kind %q", key, val.Kind)
		}
	}

	return out, nil
}

func resolveRef(ref *graph.RefValue, artifacts map[string]any) (any, error) {
	if ref == nil || ref.NodeID == "" {
		return nil, connector.Errorf(connector.KindRefUnresolved, "ref missing target node")
	}

	artifact, ok := artifacts[ref.NodeID]
	if !ok {
		return nil, connector.Errorf(connector.KindRefUnresolved,
			"node %q produced no artifact", ref.NodeID)
	}
	if ref.Path == "" {
		return artifact, nil
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return nil, connector.NewError(connector.KindInternal, "marshal artifact", err)
	}

	result := gjson.GetBytes(data, gjsonPath(ref.Path))
	if !result.Exists() {
		return nil, connector.Errorf(connector.KindRefUnresolved,
			"path %q not found in output of node %q", ref.Path, ref.NodeID)
	}
	return result.Value(), nil
}

// gjsonPath converts bracket indexing to gjson's dotted form:
// items[0].name becomes items.0.name
func gjsonPath(path string) string {
	replaced := strings.NewReplacer("[", ".", "]", "").Replace(path)
	return strings.Trim(replaced, ".")
}
