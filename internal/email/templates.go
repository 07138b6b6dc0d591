package email

import (
	"bytes"
	"html/template"
)

// mailTemplates holds one body per message kind, each wrapped by "layout".
var mailTemplates = template.Must(template.New("mail").Parse(`
{{define "layout"}}<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
.header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
.button { display: inline-block; padding: 12px 24px; background: #0066cc; color: #fff; text-decoration: none; border-radius: 4px; margin: 16px 0; }
.link { word-break: break-all; color: #0066cc; }
.note { background: #fff3cd; padding: 12px; border-radius: 4px; }
.question { background: #f5f5f5; padding: 12px; border-left: 3px solid #0066cc; }
.footer { margin-top: 30px; padding-top: 16px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
</style>
</head>
<body>
<div class="header"><h1>{{.AppName}}</h1></div>
{{template "body" .}}
</body>
</html>{{end}}

{{define "verify"}}{{template "layout" .}}{{end}}
{{define "reset"}}{{template "layout" .}}{{end}}
{{define "review"}}{{template "layout" .}}{{end}}
`))

const verifyBody = `{{define "body"}}
<h2>Welcome, {{.Data.UserName}}</h2>
<p>Confirm your email address to start working on bids.</p>
<p><a href="{{.Data.VerificationURL}}" class="button">Verify email address</a></p>
<p class="link">{{.Data.VerificationURL}}</p>
<p>The link expires in 24 hours.</p>
<div class="footer">If you did not sign up for {{.AppName}} you can ignore this email.</div>
{{end}}`

const resetBody = `{{define "body"}}
<p>Hi {{.Data.UserName}},</p>
<p>Someone asked to reset your password. Use the link below to choose a new one.</p>
<p><a href="{{.Data.ResetURL}}" class="button">Reset password</a></p>
<p class="link">{{.Data.ResetURL}}</p>
<p class="note">The link expires in 1 hour.</p>
<div class="footer">If this was not you, your password stays unchanged.</div>
{{end}}`

const reviewBody = `{{define "body"}}
<p>Hi {{.Data.ReviewerName}},</p>
<p><strong>{{.Data.Heading}}</strong> in <strong>{{.Data.BidTitle}}</strong> is ready for your review.</p>
{{if .Data.Question}}<p class="question">{{.Data.Question}}</p>{{end}}
{{if .Data.WordCount}}<p>Word limit: {{.Data.WordCount}}</p>{{end}}
{{if .Data.ReviewURL}}<p><a href="{{.Data.ReviewURL}}" class="button">Open section</a></p>{{end}}
{{end}}`

var bodies = map[string]string{
	"verify": verifyBody,
	"reset":  resetBody,
	"review": reviewBody,
}

type page struct {
	AppName string
	Title   string
	Data    any
}

// render executes the named message. Each kind defines its own "body", so
// the shared set is cloned per render.
func render(name string, p page) (string, error) {
	t, err := mailTemplates.Clone()
	if err != nil {
		return "", err
	}
	if _, err := t.Parse(bodies[name]); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
