package actas

import (
	"html/template"

	"github.com/heroku/actas/session"
	"github.com/heroku/actas/storage"
)

// page is the data every page is rendered with.
type page struct {
	Title    string
	Messages []session.Message

	// Acting is the user the request acts as, Impersonator is set while
	// impersonating
	Acting       *storage.User
	Impersonator *storage.User

	// LogoutURL and ImpersonateEndURL are reversed from the router
	LogoutURL         string
	LoginURL          string
	ImpersonateEndURL string

	Data interface{}
}

type errorData struct {
	Error            string
	ErrorDescription string
	Message          string
}

type adminRow struct {
	User           *storage.User
	ImpersonateURL string
	Permitted      bool
}

type adminData struct {
	Rows []adminRow
}

const layoutTmpl = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
</head>
<body>
  {{if .Impersonator}}
  <div class="impersonating">
    You ({{.Impersonator.Username}}) are impersonating <strong>{{.Acting.Username}}</strong>.
    <a href="{{.ImpersonateEndURL}}">Stop impersonating</a>
  </div>
  {{end}}
  {{range .Messages}}
  <div class="message {{.Level}}">{{.Text}}</div>
  {{end}}
  {{template "content" .}}
</body>
</html>`

var (
	indexTmpl = mustPage(`{{define "content"}}
  {{if .Acting}}
  <p>Logged in as <strong>{{.Acting.Username}}</strong> {{with .Acting.Email}}({{.}}){{end}}.</p>
  <p><a href="{{.LogoutURL}}">Log out</a></p>
  {{else}}
  <p><a href="{{.LoginURL}}">Log in</a></p>
  {{end}}
{{end}}`)

	errorTmpl = mustPage(`{{define "content"}}
  <h1>Authentication error</h1>
  <p class="error" data-error="{{.Data.Error}}">{{.Data.Message}}</p>
  {{with .Data.ErrorDescription}}<p class="error-description">{{.}}</p>{{end}}
  <p><a href="{{.LoginURL}}">Try again</a></p>
{{end}}`)

	serverErrorTmpl = mustPage(`{{define "content"}}
  <h1>Server error</h1>
  <p>{{.Data}}</p>
{{end}}`)

	permissionDeniedTmpl = mustPage(`{{define "content"}}
  <h1>Permission denied</h1>
  <p>You are authenticated as {{.Acting.Username}}, but are not authorized to access this page.
  Would you like to log in to a different account?</p>
  <p><a href="{{.LogoutURL}}">Log out</a></p>
{{end}}`)

	adminIndexTmpl = mustPage(`{{define "content"}}
  <h1>Users</h1>
  <table>
    <tr><th>ID</th><th>Username</th><th>Name</th><th>Email</th><th>Staff</th><th>Superuser</th><th></th></tr>
    {{range .Data.Rows}}
    <tr>
      <td>{{.User.ID}}</td>
      <td>{{.User.Username}}</td>
      <td>{{.User.FirstName}} {{.User.LastName}}</td>
      <td>{{.User.Email}}</td>
      <td>{{.User.IsStaff}}</td>
      <td>{{.User.IsSuperuser}}</td>
      <td>{{if .Permitted}}<a href="{{.ImpersonateURL}}">Impersonate</a>{{end}}</td>
    </tr>
    {{end}}
  </table>
  <p><a href="{{.ImpersonateEndURL}}">Stop impersonating</a> | <a href="{{.LogoutURL}}">Log out</a></p>
{{end}}`)
)

func mustPage(content string) *template.Template {
	t := template.Must(template.New("layout").Parse(layoutTmpl))
	return template.Must(t.Parse(content))
}
