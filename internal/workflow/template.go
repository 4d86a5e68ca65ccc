package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/trigger"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-z_][a-z0-9_.]*)\}`)

// expandParams substitutes ${context.<field>} and ${steps.<n>.output}
// placeholders in every step parameter. Context fields resolve through the
// same path grammar conditions use; an unknown field expands to the empty
// string. A forward reference to a step that has not run yet is an error.
func expandParams(params map[string]string, cx model.ClientContext, outputs []string) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		expanded, err := expandValue(v, cx, outputs)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = expanded
	}
	return out, nil
}

func expandValue(v string, cx model.ClientContext, outputs []string) (string, error) {
	var expandErr error
	expanded := placeholderRe.ReplaceAllStringFunc(v, func(m string) string {
		path := m[2 : len(m)-1]
		switch {
		case path == "client_id":
			return cx.ClientID
		case strings.HasPrefix(path, "context."):
			val, ok := trigger.ResolveContextField(cx, strings.TrimPrefix(path, "context."))
			if !ok {
				return ""
			}
			return stringify(val)
		case strings.HasPrefix(path, "steps."):
			rest := strings.TrimPrefix(path, "steps.")
			idxStr, ok := strings.CutSuffix(rest, ".output")
			if !ok {
				expandErr = fmt.Errorf("unsupported placeholder %q", m)
				return m
			}
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 || idx >= len(outputs) {
				expandErr = fmt.Errorf("placeholder %q references a step that has not run", m)
				return m
			}
			return outputs[idx]
		default:
			expandErr = fmt.Errorf("unsupported placeholder %q", m)
			return m
		}
	})
	return expanded, expandErr
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
