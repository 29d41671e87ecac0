// Package customresource models stack lifecycle events and delivers their single
// terminal response to the orchestrator's callback URL.
package customresource

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/cfn"
)

// IsLifecycle reports whether e came from the orchestrator. Direct invocations carry
// no RequestType and must not be answered through the callback channel.
func IsLifecycle(e cfn.Event) bool {
	return strings.TrimSpace(string(e.RequestType)) != ""
}

// StringProperty returns ResourceProperties[key] rendered as a string. Numbers and
// booleans are accepted since templates often pass them unquoted.
func StringProperty(e cfn.Event, key string) (string, bool) {
	raw, ok := e.ResourceProperties[key]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return fmt.Sprint(v), true
	}
}

// RequiredProperty is StringProperty that fails on missing or blank values.
func RequiredProperty(e cfn.Event, key string) (string, error) {
	v, ok := StringProperty(e, key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("resource property %s is required", key)
	}
	return v, nil
}
