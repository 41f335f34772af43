package dashboard

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gofiber/template/django/v3"
)

//go:embed views
var viewsFS embed.FS

const (
	ViewPending   = "gate/pending"
	ViewLogin     = "auth/login"
	ViewDashboard = "admin/dashboard"
)

// NewViewEngine returns the django engine over the embedded templates.
func NewViewEngine() (*django.Engine, error) {
	sub, err := fs.Sub(viewsFS, "views")
	if err != nil {
		return nil, err
	}
	return django.NewFileSystem(http.FS(sub), ".html"), nil
}
