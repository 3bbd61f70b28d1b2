package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const fileMarker = "_file_"

var sourceFields = []Field{
	{Name: "problem_id", Aliases: []string{"problem"}, Prompt: "problem_id", Type: FieldString, Required: true},
	{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: true},
	{Name: "code", Prompt: "code", Type: FieldString, Required: true},
	{Name: "file", Aliases: []string{"source_file"}, Prompt: "file", Type: FieldFile},
}

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "submit",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/submissions",
			Fields: append(append([]Field{}, sourceFields...),
				Field{Name: "contest_id", Aliases: []string{"contest"}, Prompt: "contest_id", Type: FieldString},
				Field{Name: "idempotency_key", Aliases: []string{"key"}, Prompt: "idempotency_key", Type: FieldString},
			),
		},
		{
			Service:      "submit",
			Action:       "run",
			Method:       "POST",
			PathTemplate: "/api/v1/submissions/run",
			Fields: append(append([]Field{}, sourceFields...),
				Field{Name: "stdin", Prompt: "stdin", Type: FieldString},
				Field{Name: "stdin_file", Prompt: "stdin_file", Type: FieldFile},
			),
		},
		{
			Service:      "submit",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions/:id",
			Fields: []Field{
				{Name: "id", Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions/:id/status",
			Fields: []Field{
				{Name: "id", Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions",
			Fields: []Field{
				{Name: "problemId", Aliases: []string{"problem_id", "problem"}, Type: FieldString, Query: true},
				{Name: "status", Type: FieldString, Query: true},
				{Name: "page", Type: FieldInt, Query: true},
				{Name: "limit", Type: FieldInt, Query: true},
			},
		},
		{
			Service:      "submit",
			Action:       "rejudge",
			Method:       "POST",
			PathTemplate: "/api/v1/admin/submissions/:id/rejudge",
			Fields: []Field{
				{Name: "id", Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// ApplyShortcuts marks fields satisfied by a file so they are not prompted for.
func ApplyShortcuts(cmd Command, params Params) {
	params.Canonicalize(cmd.Fields)
	if params.Get("file") != "" && params.Get("code") == "" {
		params.Set("code", fileMarker)
	}
}

// Missing returns the required fields that still need a value.
func Missing(cmd Command, params Params) []Field {
	var missing []Field
	for _, field := range cmd.Fields {
		if field.Required && params.Get(field.Name) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// BuildRequest turns a command and its params into an HTTP request description.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	query, err := buildQuery(cmd, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if query != "" {
		path += "?" + query
	}

	headers := map[string]string{}
	if cmd.Service == "submit" && cmd.Action == "create" {
		headers["Idempotency-Key"] = params.Get("idempotency_key")
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	placeholder := ":id"
	if strings.Contains(path, placeholder) {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
	}
	return path, nil
}

func buildQuery(cmd Command, params Params) (string, error) {
	values := url.Values{}
	for _, field := range cmd.Fields {
		if !field.Query {
			continue
		}
		value := strings.TrimSpace(params.Get(field.Name))
		if value == "" {
			continue
		}
		if field.Type == FieldInt {
			if _, err := ParseInt(value); err != nil {
				return "", fmt.Errorf("invalid %s: %w", field.Name, err)
			}
		}
		values.Set(field.Name, value)
	}
	return values.Encode(), nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Action {
	case "create", "run":
		code, err := valueOrFile(params, "code", "file")
		if err != nil {
			return nil, err
		}
		if code == "" {
			return nil, fmt.Errorf("code is required")
		}
		payload := map[string]interface{}{
			"problemId": params.Get("problem_id"),
			"language":  params.Get("language"),
			"code":      code,
		}
		if cmd.Action == "create" && params.Get("contest_id") != "" {
			payload["contestId"] = params.Get("contest_id")
		}
		if cmd.Action == "run" {
			stdin, err := valueOrFile(params, "stdin", "stdin_file")
			if err != nil {
				return nil, err
			}
			payload["stdin"] = stdin
		}
		return payload, nil
	}
	return nil, nil
}

func valueOrFile(params Params, key, fileKey string) (string, error) {
	value := params.Get(key)
	if (value == "" || value == fileMarker) && params.Get(fileKey) != "" {
		return ReadFile(params.Get(fileKey))
	}
	if value == fileMarker {
		return "", nil
	}
	return value, nil
}
