package downloads

import (
	"bytes"
	"fmt"
	"html/template"
)

// LoadingRefreshSeconds is how often the loading page reloads itself.
const LoadingRefreshSeconds = 3

var loadingTemplate = template.Must(template.New("loading").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="{{.Refresh}}">
<title>Loading…</title>
<style>
body{font-family:sans-serif;background:#1b1b1b;color:#eee;display:flex;align-items:center;justify-content:center;height:100vh;margin:0}
.box{text-align:center}
progress{width:320px}
</style>
</head>
<body>
<div class="box">
<p>Downloading game data{{if .Source}} from {{.Source}}{{end}}…</p>
{{if ge .Percent 0}}<progress max="100" value="{{.Percent}}"></progress>
<p>{{.Percent}}% ({{.Done}} of {{.Total}})</p>
{{else}}<p>{{.Done}} received</p>{{end}}
<p>This page reloads automatically.</p>
</div>
</body>
</html>
`))

type loadingView struct {
	Refresh int
	Source  string
	Percent int
	Done    string
	Total   string
}

// LoadingPage renders the placeholder served while p is in flight.
func LoadingPage(p Progress) ([]byte, error) {
	view := loadingView{
		Refresh: LoadingRefreshSeconds,
		Source:  p.Source,
		Percent: p.Percent(),
		Done:    humanBytes(p.BytesDone),
	}
	if p.BytesTotal != nil {
		view.Total = humanBytes(*p.BytesTotal)
	}

	var buf bytes.Buffer
	if err := loadingTemplate.Execute(&buf, view); err != nil {
		return nil, fmt.Errorf("render loading page: %w", err)
	}
	return buf.Bytes(), nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
