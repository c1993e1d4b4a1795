package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const schemaRefPrefix = "#/components/schemas/"

type openAPIDoc struct {
	Paths      map[string]pathItem `yaml:"paths"`
	Components struct {
		Schemas   map[string]schema   `yaml:"schemas"`
		Responses map[string]response `yaml:"responses"`
	} `yaml:"components"`
}

type pathItem struct {
	Get    *operation `yaml:"get"`
	Post   *operation `yaml:"post"`
	Patch  *operation `yaml:"patch"`
	Delete *operation `yaml:"delete"`
}

func (p pathItem) operation(method string) *operation {
	switch method {
	case "get":
		return p.Get
	case "post":
		return p.Post
	case "patch":
		return p.Patch
	case "delete":
		return p.Delete
	}
	return nil
}

type operation struct {
	RequestBody *struct {
		Content map[string]mediaType `yaml:"content"`
	} `yaml:"requestBody"`
	Responses map[string]response `yaml:"responses"`
}

type response struct {
	Ref     string               `yaml:"$ref"`
	Content map[string]mediaType `yaml:"content"`
}

type mediaType struct {
	Schema schema `yaml:"schema"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
	OneOf      []schema          `yaml:"oneOf"`
}

// requiredRoutes lists every operation the api service registers.
var requiredRoutes = []struct {
	Path, Method string
}{
	{"/healthz", "get"},
	{"/readyz", "get"},
	{"/video", "get"},
	{"/video", "post"},
	{"/video", "patch"},
	{"/video", "delete"},
	{"/video/status", "get"},
	{"/frames", "post"},
	{"/chat", "post"},
	{"/messages", "get"},
}

// errorCodes are the machine-readable codes clients must be able to handle.
var errorCodes = []string{
	"UNAUTHORIZED",
	"NOT_FOUND",
	"METHOD_NOT_ALLOWED",
	"INVALID_JSON",
	"INVALID_REQUEST",
	"UNSUPPORTED_FILE_TYPE",
	"FILE_TOO_LARGE",
	"VIDEO_NOT_FOUND",
	"VIDEO_FORBIDDEN",
	"VIDEO_NOT_READY",
	"JOB_NOT_FOUND",
	"RATE_LIMITED",
	"MODEL_UNAVAILABLE",
	"QUEUE_UNAVAILABLE",
	"STORAGE_PERMISSION_DENIED",
	"INTERNAL",
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// checkDoc returns every contract violation found, sorted for stable output.
func checkDoc(doc openAPIDoc) []error {
	var problems []error
	if errSchema, err := getSchema(doc, "ErrorResponse"); err != nil {
		problems = append(problems, err)
	} else if err := validateErrorResponse(errSchema); err != nil {
		problems = append(problems, err)
	}
	problems = append(problems, checkRoutes(doc)...)
	if err := checkChatStream(doc); err != nil {
		problems = append(problems, err)
	}
	problems = append(problems, checkRefs(doc)...)
	sort.Slice(problems, func(i, j int) bool { return problems[i].Error() < problems[j].Error() })
	return problems
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	declared := makeSet(s.Properties["code"].Enum)
	var missing []string
	for _, code := range errorCodes {
		if !declared[code] {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ErrorResponse.code enum missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkRoutes(doc openAPIDoc) []error {
	var problems []error
	for _, route := range requiredRoutes {
		item, ok := doc.Paths[route.Path]
		if !ok || item.operation(route.Method) == nil {
			problems = append(problems, fmt.Errorf("operation %s %s missing", strings.ToUpper(route.Method), route.Path))
		}
	}
	return problems
}

func checkChatStream(doc openAPIDoc) error {
	item, ok := doc.Paths["/chat"]
	if !ok || item.Post == nil {
		return nil
	}
	ok200, found := item.Post.Responses["200"]
	if !found {
		return errors.New("POST /chat must declare a 200 response")
	}
	if _, found := ok200.Content["text/event-stream"]; !found {
		return errors.New("POST /chat 200 response must be text/event-stream")
	}
	return nil
}

// checkRefs reports $refs that point at schemas or responses the doc does not define.
func checkRefs(doc openAPIDoc) []error {
	var problems []error
	seen := make(map[string]bool)
	report := func(where, ref string) {
		key := where + "|" + ref
		if seen[key] {
			return
		}
		seen[key] = true
		problems = append(problems, fmt.Errorf("%s: unresolved $ref %q", where, ref))
	}

	var walk func(where string, s schema)
	walk = func(where string, s schema) {
		if s.Ref != "" {
			name, ok := strings.CutPrefix(s.Ref, schemaRefPrefix)
			if _, defined := doc.Components.Schemas[name]; !ok || !defined {
				report(where, s.Ref)
			}
		}
		for _, prop := range s.Properties {
			walk(where, prop)
		}
		if s.Items != nil {
			walk(where, *s.Items)
		}
		for _, alt := range s.OneOf {
			walk(where, alt)
		}
	}
	walkResponse := func(where string, r response) {
		if r.Ref != "" {
			name, ok := strings.CutPrefix(r.Ref, "#/components/responses/")
			if _, defined := doc.Components.Responses[name]; !ok || !defined {
				report(where, r.Ref)
			}
		}
		for _, mt := range r.Content {
			walk(where, mt.Schema)
		}
	}

	for name, s := range doc.Components.Schemas {
		walk("schema "+name, s)
	}
	for name, r := range doc.Components.Responses {
		walkResponse("response "+name, r)
	}
	for path, item := range doc.Paths {
		for _, method := range []string{"get", "post", "patch", "delete"} {
			op := item.operation(method)
			if op == nil {
				continue
			}
			where := strings.ToUpper(method) + " " + path
			if op.RequestBody != nil {
				for _, mt := range op.RequestBody.Content {
					walk(where, mt.Schema)
				}
			}
			for _, r := range op.Responses {
				walkResponse(where, r)
			}
		}
	}
	return problems
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
