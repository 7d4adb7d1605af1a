package server

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/brojonat/charityledger/service/ledger"
)

//go:embed templates/*.html
var templatesFS embed.FS

const dashboardRecentTransactions = 20

// TemplateRenderer holds parsed HTML templates
type TemplateRenderer struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewTemplateRenderer creates a new template renderer from embedded files
func NewTemplateRenderer(logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"shortAddr": func(a ledger.Address) string {
			s := a.String()
			if len(s) <= 12 {
				return s
			}
			return s[:6] + "…" + s[len(s)-4:]
		},
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &TemplateRenderer{templates: tmpl, logger: logger}, nil
}

// Render renders a template with the given data
func (tr *TemplateRenderer) Render(w http.ResponseWriter, name string, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tr.templates.ExecuteTemplate(w, name, data)
}

type dashboardData struct {
	Owner           string
	ChallengeWindow string
	Seq             uint64
	Stats           ledger.Stats
	Transactions    []ledger.Transaction
	Streaming       bool
}

// handleDashboard serves the ledger overview page. With streaming enabled the page
// subscribes to /api/v1/stream/events and prepends events as they arrive.
func handleDashboard(renderer *TemplateRenderer, l *ledger.Ledger, streaming bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := dashboardData{
			Owner:           l.Owner().String(),
			ChallengeWindow: l.ChallengeWindow().String(),
			Seq:             l.Seq(),
			Stats:           l.Stats(),
			Transactions:    l.ListTransactions(ledger.TransactionFilter{Limit: dashboardRecentTransactions}),
			Streaming:       streaming,
		}
		if err := renderer.Render(w, "dashboard.html", data); err != nil {
			renderer.logger.Error("failed to render template", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
