package server

import (
	"html/template"
	"net/http"
)

var errorView = template.Must(template.New("error").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign-in problem · HopeTurtles</title></head>
<body>
<main>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<p><a href="/auth/login">Try signing in again</a></p>
</main>
</body>
</html>
`))

var homeView = template.Must(template.New("home").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>HopeTurtles</title></head>
<body>
<main>
<h1>HopeTurtles</h1>
{{if .Name}}<p>Signed in as {{.Name}}. <a href="{{.Landing}}">Continue</a> · <a href="/auth/logout">Sign out</a></p>
{{else}}<p><a href="/auth/login">Sign in with Buwana</a></p>{{end}}
</main>
</body>
</html>
`))

var dashboardView = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Dashboard · HopeTurtles</title></head>
<body>
<main>
<h1>Welcome back, {{if .EarthlingEmoji}}{{.EarthlingEmoji}} {{end}}{{.FirstName}}</h1>
<dl>
<dt>Email</dt><dd>{{.Email}}</dd>
<dt>Role</dt><dd>{{.Role}}</dd>
{{if .LastLogin}}<dt>Last login</dt><dd>{{.LastLogin.Format "2006-01-02 15:04 MST"}}</dd>{{end}}
</dl>
<p><a href="/auth/logout">Sign out</a></p>
</main>
</body>
</html>
`))

var adminView = template.Must(template.New("admin").Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Admin · HopeTurtles</title></head>
<body>
<main>
<h1>Admin</h1>
<p>Signed in as {{.Email}} ({{if .Role}}{{.Role}}{{else}}founder{{end}}).</p>
<p><a href="/dashboard">Dashboard</a> · <a href="/auth/logout">Sign out</a></p>
</main>
</body>
</html>
`))

type errorPage struct {
	Title   string
	Message string
}

type homePage struct {
	Name    string
	Landing string
}

func renderView(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = tmpl.Execute(w, data)
}
