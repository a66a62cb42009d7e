package server

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loykin/deployr/internal/state"
)

// indexTmpl renders the minimal status page. The JSON API is the contract;
// this page only mirrors it for a quick look in a browser.
var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="10">
<title>deployr</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #ccc; padding: 4px 10px; text-align: left; font-size: 0.9em; }
th { background: #f5f5f5; }
.status { font-weight: bold; }
.status.running { color: #197a19; }
.status.crashed, .status.failed, .status.timed_out { color: #b00020; }
.sha { font-family: monospace; }
</style>
</head>
<body>
<h1>deployr &mdash; {{.Status.Service.Name}}</h1>
<p>service: <span class="status {{.Status.Service.Status}}">{{.Status.Service.Status}}</span>
{{- if .Status.Service.PID}} (pid {{.Status.Service.PID}}, up {{.Status.Service.UptimeSeconds}}s, restarts {{.Status.Service.Restarts}}){{end}}</p>
{{if .Status.CurrentCommit -}}
<p>commit: <span class="sha">{{printf "%.7s" .Status.CurrentCommit.SHA}}</span> &mdash; {{.Status.CurrentCommit.Message}} ({{.Status.CurrentCommit.Author}})</p>
{{- end}}
{{if .Status.ActiveBuildID}}<p>build #{{.Status.ActiveBuildID}} in progress</p>{{end}}
{{if .Status.LastCheck}}<p>last check: {{.Status.LastCheck.Format "2006-01-02 15:04:05 MST"}}</p>{{end}}
<table>
<tr><th>id</th><th>commit</th><th>status</th><th>started</th><th>artifact</th></tr>
{{range .Builds -}}
<tr>
<td>{{.ID}}</td>
<td class="sha">{{printf "%.7s" .CommitSHA}}</td>
<td class="status {{.Status}}">{{.Status}}</td>
<td>{{.StartedAt.Format "2006-01-02 15:04:05"}}</td>
<td>{{.ArtifactPath}}</td>
</tr>
{{end -}}
</table>
</body>
</html>
`))

type indexData struct {
	Status statusResp
	Builds []state.BuildRecord
}

func (r *Router) handleIndex(c *gin.Context) {
	snap := r.orch.StateSnapshot()
	builds := snap.Builds
	if len(builds) > 10 {
		builds = builds[:10]
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := indexTmpl.Execute(c.Writer, indexData{Status: r.statusNow(), Builds: builds}); err != nil {
		_ = c.Error(err)
	}
}
