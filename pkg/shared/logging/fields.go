/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides a small, chainable field builder that
// every service uses to assemble structured log fields before handing
// them to the zap-backed logr.Logger returned by NewLogger.
package logging

import "time"

// Fields is a chainable builder over the key/value map a structured
// logger consumes. Every setter returns the receiver so calls can be
// composed fluently.
type Fields map[string]interface{}

// NewFields returns an empty field set.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) TraceID(id string) Fields {
	if id != "" {
		f["trace_id"] = id
	}
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus returns the fields as a plain map, the shape map-based
// structured-log adapters accept directly; logr takes the alternating
// key/value slice WithFields builds instead.
func (f Fields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// DatabaseFields builds the standard field set for a persistence
// operation against a named table.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the standard field set for an HTTP request/response.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields builds the standard field set for a campaign
// workflow operation.
func WorkflowFields(operation, campaignID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", campaignID)
}

// SupplierFields builds the standard field set for a supplier-scoped
// operation (outreach, follow-up, escalation).
func SupplierFields(operation, supplierID string) Fields {
	return NewFields().Component("supplier").Operation(operation).Resource("supplier", supplierID)
}

// AuditFields builds the standard field set for an audit log append
// or query.
func AuditFields(operation, entityType string) Fields {
	return NewFields().Component("audit").Operation(operation).Resource(entityType, "")
}

// SecurityFields builds the standard field set for an authentication
// or authorization check.
func SecurityFields(operation, subject string) Fields {
	f := NewFields().Component("security").Operation(operation)
	f["subject"] = subject
	return f
}

// MetricsFields builds the standard field set for a recorded metric
// observation.
func MetricsFields(operation, metricName string, value interface{}) Fields {
	f := NewFields().Component("metrics").Operation(operation)
	f["metric_name"] = metricName
	f["value"] = value
	return f
}

// PerformanceFields builds the standard field set for a timed
// operation's outcome.
func PerformanceFields(operation string, d time.Duration, success bool) Fields {
	f := NewFields().Component("performance").Operation(operation).Duration(d)
	f["success"] = success
	return f
}
