package httpapi

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!doctype html>
<html>
<body>
<h2>Connect a store</h2>
<a href="{{.AuthURL}}">Connect marketplace account</a>
</body>
</html>`))

var callbackTemplate = template.Must(template.New("callback").Parse(`<!doctype html>
<html>
<body>
<h3>Store connected.</h3>
<p>Connected stores: {{.Count}}</p>
<a href="/">Connect another store</a>
</body>
</html>`))

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = landingTemplate.Execute(w, map[string]string{"AuthURL": s.svc.AuthorizationURL()})
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}
	_, count, err := s.svc.Connect(r.Context(), code)
	if err != nil {
		s.logger.Warn("store connection failed", zap.Error(err))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<h3>Authentication failed.</h3>"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = callbackTemplate.Execute(w, map[string]int{"Count": count})
}
