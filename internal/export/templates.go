package export

import (
	"bytes"
	"html/template"
)

var versionTemplate = template.Must(template.New("version").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.PromptTitle}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .body { white-space: pre-wrap; background: #f9f9f9; padding: 1rem; border: 1px solid #ddd; }
    .params { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .tag { display: inline-block; background: #eee; border-radius: 3px; padding: 0 0.4em; margin-right: 0.3em; }
  </style>
</head>
<body>
  <h1>{{.PromptTitle}}</h1>
  <div class="meta">
    Version {{.VersionNumber}}{{if .BranchName}} on {{.BranchName}}{{end}}
    | {{.Author}} | {{.CreatedAt.Format "Jan 2, 2006"}}
  </div>
  {{if .Tags}}<p>{{range .Tags}}<span class="tag">{{.}}</span>{{end}}</p>{{end}}
  <div class="body">{{.Body}}</div>
  {{if or .Model .Params}}
  <div class="params">
    {{if .Model}}<div>Model: {{.Model}}</div>{{end}}
    {{range $key, $value := .Params}}<div>{{$key}}: {{$value}}</div>{{end}}
  </div>
  {{end}}
  {{if .ChangeLog}}<p class="meta">{{.ChangeLog}}</p>{{end}}
</body>
</html>`))

// RenderVersionHTML renders the version template with provided data.
func RenderVersionHTML(doc VersionDocument) (string, error) {
	var buf bytes.Buffer
	if err := versionTemplate.Execute(&buf, doc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
