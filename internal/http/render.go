package http

import (
	"bytes"
	"html/template"
	"io"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"xray-chatbot/pkg"
)

// renderMarkdown turns a message text into safe HTML.  Raw HTML and images
// are dropped and links are limited to safe schemes, so replies relayed from
// the NLU service cannot inject markup or script URLs.
func renderMarkdown(text string) template.HTML {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.HardLineBreak)
	r := mdhtml.NewRenderer(mdhtml.RendererOptions{
		Flags: mdhtml.CommonFlags | mdhtml.SkipHTML | mdhtml.SkipImages | mdhtml.Safelink | mdhtml.HrefTargetBlank,
	})
	out := markdown.ToHTML([]byte(text), p, r)
	return template.HTML(bytes.TrimSpace(out))
}

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"markdown": renderMarkdown,
}).Parse(`
{{define "message"}}<div class="message {{.Sender}}">{{markdown .Text}}{{with .Report}}<a class="download" href="{{.URL}}" download="{{.Filename}}">Download {{.Filename}}</a>{{end}}</div>
{{end}}
{{define "messages"}}{{range .}}{{template "message" .}}{{end}}{{end}}
{{define "chat.html"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8" />
<meta name="viewport" content="width=device-width, initial-scale=1" />
<title>X-ray assistant</title>
<script src="https://unpkg.com/htmx.org@1.9.12"></script>
<style>
body{font-family:system-ui,sans-serif;max-width:720px;margin:0 auto;padding:16px}
#transcript{border:1px solid #ddd;border-radius:8px;padding:8px;min-height:320px}
.message{margin:6px 0;padding:6px 10px;border-radius:8px}
.message p{margin:0}
.user{background:#e0f2fe;text-align:right}
.bot{background:#f3f4f6}
.download{display:inline-block;margin-top:4px}
</style>
</head>
<body>
<div id="transcript">{{template "messages" .Messages}}</div>
<form hx-post="/api/sessions/{{.SessionID}}/messages" hx-target="#transcript" hx-swap="beforeend" hx-on::after-request="this.reset()">
<input name="content" autocomplete="off" placeholder="Type a message" autofocus />
<button type="submit">Send</button>
</form>
<form hx-post="/api/sessions/{{.SessionID}}/xray" hx-target="#transcript" hx-swap="beforeend" hx-encoding="multipart/form-data">
<input type="file" name="file" accept="image/*" />
<button type="submit">Analyze X-ray</button>
</form>
<button id="locate">Find doctors near me</button>
<button id="report" hx-post="/api/sessions/{{.SessionID}}/messages" hx-vals='{"content": "generate report"}' hx-target="#transcript" hx-swap="beforeend">Download Report</button>
<script>
document.getElementById("locate").addEventListener("click", function () {
  var send = function (body) {
    htmx.ajax("POST", "/api/sessions/{{.SessionID}}/doctors/search", {
      target: "#transcript", swap: "beforeend",
      values: body
    });
  };
  if (!navigator.geolocation) { send({error: "unsupported"}); return; }
  navigator.geolocation.getCurrentPosition(
    function (pos) { send({latitude: pos.coords.latitude, longitude: pos.coords.longitude}); },
    function (err) { send({error: err.message || "denied"}); });
});
</script>
</body>
</html>
{{end}}
`))

// writeFragment renders messages as the HTML appended to the transcript.
func writeFragment(w io.Writer, messages []pkg.Message) error {
	return templates.ExecuteTemplate(w, "messages", messages)
}
