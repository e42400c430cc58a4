// Package observability provides OpenTelemetry metrics exported in the
// Prometheus format.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrProvider = "provider"
	attrOp       = "op"
	attrFrom     = "from"
	attrTo       = "to"
	attrSuccess  = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func fromAttr(status string) attribute.KeyValue {
	return attribute.String(attrFrom, status)
}

func toAttr(status string) attribute.KeyValue {
	return attribute.String(attrTo, status)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids with a placeholder to bound cardinality.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if strings.HasPrefix(path, prefix) && len(path) > len(prefix) {
		return prefix + "{jobId}"
	}
	return path
}
